package view_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"fleetboard/api"
	"fleetboard/client"
	"fleetboard/domain"
	"fleetboard/drag"
	"fleetboard/stream"
	"fleetboard/view"
)

const updatesChannel = "board-updates"

// tableStore is an in-memory stand-in for the Azure table behind fleet-api.
type tableStore struct {
	mu    sync.Mutex
	items map[string]domain.WorkOrder
	etags map[string]int
}

func (s *tableStore) ListWorkOrders(ctx context.Context, boardID string) ([]domain.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.WorkOrder{}
	for _, wo := range s.items {
		if wo.BoardID == boardID {
			out = append(out, wo)
		}
	}
	return out, nil
}

func (s *tableStore) GetWorkOrder(ctx context.Context, boardID, id string) (domain.WorkOrder, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wo, ok := s.items[id]
	if !ok || wo.BoardID != boardID {
		return domain.WorkOrder{}, "", domain.ErrNotFound
	}
	return wo, strconv.Itoa(s.etags[id]), nil
}

func (s *tableStore) UpdateWorkOrder(ctx context.Context, wo domain.WorkOrder, etag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if etag != strconv.Itoa(s.etags[wo.ID]) {
		return domain.ErrMoveConflict
	}
	s.items[wo.ID] = wo
	s.etags[wo.ID]++
	return nil
}

func (s *tableStore) EnqueueEvent(ctx context.Context, ev domain.BoardUpdateEvent) error { return nil }

// insert writes a row without broadcasting it, leaving connected boards stale.
func (s *tableStore) insert(wo domain.WorkOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[wo.ID] = wo
}

type recordingNotifier struct {
	mu        sync.Mutex
	conflicts []string
	failures  []string
}

func (n *recordingNotifier) Conflict(id string, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conflicts = append(n.conflicts, id)
}

func (n *recordingNotifier) Failed(id string, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, id)
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conflicts), len(n.failures)
}

type fleet struct {
	url   string
	token string
	table *tableStore
	hub   *stream.Hub
}

func startFleet(t *testing.T, items ...domain.WorkOrder) *fleet {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	secret := []byte("e2e-secret")
	auth := api.NewLocalAuth(secret)

	table := &tableStore{items: make(map[string]domain.WorkOrder), etags: make(map[string]int)}
	for _, wo := range items {
		table.items[wo.ID] = wo
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := stream.NewHub(logger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		stream.SubscribeUpdates(ctx, logger, rc, updatesChannel, hub)
	}()

	e := echo.New()
	api.Register(e, api.Deps{
		Store:     table,
		Auth:      auth,
		Deduper:   api.NewRedisDeduper(rc, time.Minute),
		Publisher: stream.NewPublisher(rc, updatesChannel),
		Logger:    logger,
	})
	stream.Register(e, hub, auth, logger)
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		cancel()
		<-done
	})

	eventually(t, func() bool { return len(m.PubSubChannels(updatesChannel)) > 0 })

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "dispatcher",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return &fleet{url: srv.URL, token: token, table: table, hub: hub}
}

func (f *fleet) open(t *testing.T, notifier drag.Notifier) *view.Session {
	t.Helper()
	s := view.Open(client.New(f.url, f.token), view.Config{
		BoardID:       "b1",
		StreamURL:     f.url,
		Token:         f.token,
		ReconnectBase: 10 * time.Millisecond,
		Notifier:      notifier,
	})
	t.Cleanup(s.Close)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := s.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return s
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func statusOf(s *view.Session, id string) domain.Status {
	wo, _ := s.Store().Get(id)
	return wo.Status
}

func TestMoveIsSharedAcrossBoards(t *testing.T) {
	f := startFleet(t,
		domain.WorkOrder{ID: "A", BoardID: "b1", Title: "Brakes", Status: domain.StatusPending, Position: 1000},
		domain.WorkOrder{ID: "B", BoardID: "b1", Title: "Tyres", Status: domain.StatusPending, Position: 2000},
	)
	mover := f.open(t, &recordingNotifier{})
	watcher := f.open(t, &recordingNotifier{})
	eventually(t, func() bool { return f.hub.Subscribers("b1") == 2 })

	ctrl := mover.Controller()
	if !ctrl.Start("A") {
		t.Fatal("expected drag to start")
	}
	mv, ok := ctrl.Drop(&drag.Target{Status: domain.StatusInProgress})
	if !ok {
		t.Fatal("expected move")
	}
	if statusOf(mover, "A") != domain.StatusInProgress {
		t.Fatal("move must be applied optimistically")
	}

	eventually(t, func() bool { return statusOf(watcher, "A") == domain.StatusInProgress })
	eventually(t, func() bool { return mover.Store().PendingCount() == 0 })

	got, _ := watcher.Store().Get("A")
	if got.Position != mv.Position {
		t.Fatalf("watcher sees position %v, mover sent %v", got.Position, mv.Position)
	}
	if ids := watcher.Store().Column(domain.StatusPending); len(ids) != 1 || ids[0] != "B" {
		t.Fatalf("unexpected pending column on watcher: %v", ids)
	}
	if watcher.Store().SeenCount() != 1 || mover.Store().SeenCount() != 1 {
		t.Fatal("each board should record the broadcast event once")
	}
}

func TestStaleMoveIsRejectedAndRolledBack(t *testing.T) {
	f := startFleet(t,
		domain.WorkOrder{ID: "A", BoardID: "b1", Status: domain.StatusPending, Position: 1000},
	)
	notifier := &recordingNotifier{}
	s := f.open(t, notifier)
	eventually(t, func() bool { return f.hub.Subscribers("b1") == 1 })

	// Someone else filled the completed column; this board has not heard of it.
	f.table.insert(domain.WorkOrder{ID: "X", BoardID: "b1", Status: domain.StatusCompleted, Position: 1000})

	ctrl := s.Controller()
	ctrl.Start("A")
	if _, ok := ctrl.Drop(&drag.Target{Status: domain.StatusCompleted}); !ok {
		t.Fatal("expected move")
	}
	ctrl.Wait()

	if conflicts, failures := notifier.counts(); conflicts != 1 || failures != 0 {
		t.Fatalf("expected one conflict, got %d conflicts and %d failures", conflicts, failures)
	}
	got, _ := s.Store().Get("A")
	if got.Status != domain.StatusPending || got.Position != 1000 {
		t.Fatalf("expected rollback to the original slot, got %+v", got)
	}
	if s.Store().PendingCount() != 0 {
		t.Fatal("rollback must clear the pending move")
	}

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ids := s.Store().Column(domain.StatusCompleted); len(ids) != 1 || ids[0] != "X" {
		t.Fatalf("reload should pick up the concurrent change, got %v", ids)
	}
}

func TestUnauthorizedBoardCannotLoad(t *testing.T) {
	f := startFleet(t)
	s := view.Open(client.New(f.url, "not-a-token"), view.Config{BoardID: "b1", StreamURL: f.url})
	defer s.Close()

	var se *client.StatusError
	if err := s.Load(context.Background()); !errors.As(err, &se) || se.Code != 401 {
		t.Fatalf("expected 401, got %v", err)
	}
}
