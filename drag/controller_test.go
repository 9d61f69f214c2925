package drag

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"fleetboard/board"
	"fleetboard/client"
	"fleetboard/domain"
)

type moveCall struct {
	id  string
	req domain.MoveRequest
}

type fakeMover struct {
	mu    sync.Mutex
	calls []moveCall
	fn    func(n int, ctx context.Context) error
}

func (f *fakeMover) MoveWorkOrder(ctx context.Context, id string, req domain.MoveRequest) error {
	f.mu.Lock()
	f.calls = append(f.calls, moveCall{id: id, req: req})
	n := len(f.calls)
	f.mu.Unlock()
	if f.fn == nil {
		return nil
	}
	return f.fn(n, ctx)
}

func (f *fakeMover) Calls() []moveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]moveCall(nil), f.calls...)
}

type fakeNotifier struct {
	mu        sync.Mutex
	conflicts []string
	failures  []string
}

func (n *fakeNotifier) Conflict(id string, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conflicts = append(n.conflicts, id)
}

func (n *fakeNotifier) Failed(id string, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, id)
}

func (n *fakeNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conflicts), len(n.failures)
}

func seeded(t *testing.T, items ...domain.WorkOrder) *board.Store {
	t.Helper()
	s := board.NewStore(board.DefaultSeenEventsCap)
	if !s.SetFromSnapshot(items) {
		t.Fatal("snapshot not applied")
	}
	return s
}

func wo(id string, status domain.Status, pos float64) domain.WorkOrder {
	return domain.WorkOrder{ID: id, BoardID: "b1", Status: status, Position: pos}
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "req-" + strconv.Itoa(n)
	}
}

func newController(s *board.Store, m *fakeMover, n *fakeNotifier) *Controller {
	return New(s, m, n, Config{BoardID: "b1", NewRequestID: sequentialIDs()})
}

func assertColumn(t *testing.T, s *board.Store, status domain.Status, want ...string) {
	t.Helper()
	got := s.Column(status)
	if len(got) != len(want) {
		t.Fatalf("column %s = %v, want %v", status, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("column %s = %v, want %v", status, got, want)
		}
	}
}

func TestDropIntoEmptyColumn(t *testing.T) {
	s := seeded(t, wo("A", domain.StatusPending, 1000), wo("B", domain.StatusPending, 2000))
	m := &fakeMover{}
	n := &fakeNotifier{}
	c := newController(s, m, n)
	defer c.Close()

	if !c.Start("A") {
		t.Fatal("expected drag to start")
	}
	mv, ok := c.Drop(&Target{Status: domain.StatusInProgress})
	if !ok {
		t.Fatal("expected drop to move")
	}
	// optimistic state is visible before the request resolves
	got, _ := s.Get("A")
	if got.Status != domain.StatusInProgress || got.Position != 1000 {
		t.Fatalf("unexpected optimistic state %+v", got)
	}
	assertColumn(t, s, domain.StatusPending, "B")
	assertColumn(t, s, domain.StatusInProgress, "A")
	c.Wait()

	calls := m.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one request, got %d", len(calls))
	}
	want := domain.MoveRequest{Status: domain.StatusInProgress, Position: 1000, BoardID: "b1", ClientRequestID: "req-1"}
	if calls[0].id != "A" || calls[0].req != want {
		t.Fatalf("unexpected request %+v", calls[0])
	}
	if mv.ClientRequestID != "req-1" || mv.FromStatus != domain.StatusPending {
		t.Fatalf("unexpected move %+v", mv)
	}
	if _, ok := s.Pending("A"); !ok {
		t.Fatal("pending record must survive until the echo arrives")
	}

	reqID := "req-1"
	s.ApplyServerEvent(domain.BoardUpdateEvent{
		Type: domain.EventWorkOrderUpdated, EventID: "e1", WorkOrderID: "A",
		ToStatus: domain.StatusInProgress, Position: 1000, ClientRequestID: &reqID,
	})
	if s.PendingCount() != 0 {
		t.Fatal("echo should clear the pending record")
	}
	if phase, _, _ := c.Phase(); phase != Idle {
		t.Fatalf("expected idle after drop, got %s", phase)
	}
}

func TestConflictRollsBack(t *testing.T) {
	s := seeded(t, wo("A", domain.StatusPending, 1000), wo("B", domain.StatusPending, 2000))
	m := &fakeMover{fn: func(int, context.Context) error {
		return &client.StatusError{Code: 409, Body: "conflict"}
	}}
	n := &fakeNotifier{}
	c := newController(s, m, n)
	defer c.Close()

	c.Start("A")
	if _, ok := c.Drop(&Target{Status: domain.StatusInProgress}); !ok {
		t.Fatal("expected drop to move")
	}
	c.Wait()

	got, _ := s.Get("A")
	if got.Status != domain.StatusPending || got.Position != 1000 {
		t.Fatalf("expected rollback, got %+v", got)
	}
	assertColumn(t, s, domain.StatusPending, "A", "B")
	assertColumn(t, s, domain.StatusInProgress)
	conflicts, failures := n.counts()
	if conflicts != 1 || failures != 0 {
		t.Fatalf("expected one conflict notification, got conflicts=%d failures=%d", conflicts, failures)
	}
}

func TestTransportFailureRollsBack(t *testing.T) {
	s := seeded(t, wo("A", domain.StatusPending, 1000))
	m := &fakeMover{fn: func(int, context.Context) error { return errors.New("connection reset") }}
	n := &fakeNotifier{}
	c := newController(s, m, n)
	defer c.Close()

	c.Start("A")
	c.Drop(&Target{Status: domain.StatusCompleted})
	c.Wait()

	assertColumn(t, s, domain.StatusPending, "A")
	conflicts, failures := n.counts()
	if conflicts != 0 || failures != 1 {
		t.Fatalf("expected one failure notification, got conflicts=%d failures=%d", conflicts, failures)
	}
}

func TestCancelLeavesStoreUntouched(t *testing.T) {
	s := seeded(t, wo("A", domain.StatusPending, 1000))
	m := &fakeMover{}
	c := newController(s, m, &fakeNotifier{})
	defer c.Close()

	var phases []Phase
	c.cfg.OnPhase = func(_, to Phase) { phases = append(phases, to) }

	c.Start("A")
	c.Over("in_progress")
	if _, _, over := c.Phase(); over != "in_progress" {
		t.Fatalf("expected over id to be tracked, got %q", over)
	}
	c.Cancel()
	c.Start("A")
	if _, ok := c.Drop(nil); ok {
		t.Fatal("drop outside a target must not move")
	}

	assertColumn(t, s, domain.StatusPending, "A")
	if s.PendingCount() != 0 || len(m.Calls()) != 0 {
		t.Fatal("cancelled drags must not touch the store or the server")
	}
	want := []Phase{Dragging, Cancelled, Idle, Dragging, Cancelled, Idle}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phases = %v, want %v", phases, want)
		}
	}
}

func TestSameSlotDropIsNoop(t *testing.T) {
	s := seeded(t, wo("A", domain.StatusPending, 1000), wo("B", domain.StatusPending, 2000))
	m := &fakeMover{}
	c := newController(s, m, &fakeNotifier{})
	defer c.Close()

	tests := []struct {
		name   string
		id     string
		target Target
	}{
		{name: "over itself", id: "A", target: Target{ItemID: "A"}},
		{name: "tail of own column", id: "B", target: Target{Status: domain.StatusPending}},
		{name: "unknown item", id: "A", target: Target{ItemID: "missing"}},
		{name: "invalid column", id: "A", target: Target{Status: "archived"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !c.Start(tt.id) {
				t.Fatal("expected drag to start")
			}
			if _, ok := c.Drop(&tt.target); ok {
				t.Fatal("expected no-op drop")
			}
		})
	}
	assertColumn(t, s, domain.StatusPending, "A", "B")
	if len(m.Calls()) != 0 {
		t.Fatal("no-op drops must not call the server")
	}
}

func TestReorderWithinColumn(t *testing.T) {
	s := seeded(t,
		wo("A", domain.StatusPending, 1000),
		wo("B", domain.StatusPending, 2000),
		wo("C", domain.StatusPending, 3000),
	)
	c := newController(s, &fakeMover{}, &fakeNotifier{})
	defer c.Close()

	c.Start("A")
	mv, ok := c.Drop(&Target{ItemID: "C"})
	if !ok {
		t.Fatal("expected reorder")
	}
	if mv.Position != 4000 {
		t.Fatalf("moving down past the last item should append, got %v", mv.Position)
	}
	assertColumn(t, s, domain.StatusPending, "B", "C", "A")

	c.Start("A")
	mv, ok = c.Drop(&Target{ItemID: "C"})
	if !ok {
		t.Fatal("expected reorder")
	}
	if mv.Position <= 2000 || mv.Position >= 3000 {
		t.Fatalf("moving up over C should land between B and C, got %v", mv.Position)
	}
	assertColumn(t, s, domain.StatusPending, "B", "A", "C")
	c.Wait()
}

func TestDropOverItemInOtherColumn(t *testing.T) {
	s := seeded(t,
		wo("A", domain.StatusPending, 1000),
		wo("X", domain.StatusCompleted, 1000),
		wo("Y", domain.StatusCompleted, 2000),
	)
	c := newController(s, &fakeMover{}, &fakeNotifier{})
	defer c.Close()

	c.Start("A")
	mv, ok := c.Drop(&Target{ItemID: "Y"})
	if !ok {
		t.Fatal("expected move")
	}
	if mv.ToStatus != domain.StatusCompleted || mv.Position != 1500 {
		t.Fatalf("unexpected move %+v", mv)
	}
	assertColumn(t, s, domain.StatusCompleted, "X", "A", "Y")
	c.Wait()
}

func TestDropAtSlot(t *testing.T) {
	s := seeded(t,
		wo("A", domain.StatusPending, 1000),
		wo("B", domain.StatusPending, 2000),
		wo("C", domain.StatusPending, 3000),
	)
	c := newController(s, &fakeMover{}, &fakeNotifier{})
	defer c.Close()

	c.Start("A")
	mv, ok := c.Drop(At(domain.StatusPending, 1))
	if !ok || mv.Position != 2500 {
		t.Fatalf("expected A between B and C, got %+v %v", mv, ok)
	}
	assertColumn(t, s, domain.StatusPending, "B", "A", "C")

	c.Start("A")
	if _, ok := c.Drop(At(domain.StatusPending, 1)); ok {
		t.Fatal("dropping into the current slot must be a no-op")
	}

	c.Start("A")
	if mv, ok := c.Drop(At(domain.StatusPending, 99)); !ok || mv.Position != 4000 {
		t.Fatalf("slot past the end should clamp to the tail, got %+v %v", mv, ok)
	}
	assertColumn(t, s, domain.StatusPending, "B", "C", "A")

	c.Start("A")
	if mv, ok := c.Drop(At(domain.StatusCompleted, -3)); !ok || mv.Position != board.PositionStep {
		t.Fatalf("expected default position in empty column, got %+v %v", mv, ok)
	}
	assertColumn(t, s, domain.StatusCompleted, "A")
	c.Wait()
}

func TestStaleFailureKeepsNewerMove(t *testing.T) {
	s := seeded(t, wo("A", domain.StatusPending, 1000))
	release := make(chan struct{})
	m := &fakeMover{fn: func(n int, _ context.Context) error {
		if n == 1 {
			<-release
			return errors.New("timeout")
		}
		return nil
	}}
	notifier := &fakeNotifier{}
	c := newController(s, m, notifier)
	defer c.Close()

	c.Start("A")
	c.Drop(&Target{Status: domain.StatusInProgress})
	c.Start("A")
	c.Drop(&Target{Status: domain.StatusCompleted})
	close(release)
	c.Wait()

	got, _ := s.Get("A")
	if got.Status != domain.StatusCompleted {
		t.Fatalf("failure of a superseded request must not roll back the newer move, got %+v", got)
	}
	rec, ok := s.Pending("A")
	if !ok || rec.ClientRequestID != "req-2" {
		t.Fatalf("expected newer pending record, got %+v ok=%v", rec, ok)
	}
	if _, failures := notifier.counts(); failures != 1 {
		t.Fatalf("expected the failure to be surfaced, got %d", failures)
	}
}

func TestFailureAfterTeardownIsIgnored(t *testing.T) {
	s := seeded(t, wo("A", domain.StatusPending, 1000))
	release := make(chan struct{})
	m := &fakeMover{fn: func(int, context.Context) error {
		<-release
		return errors.New("boom")
	}}
	n := &fakeNotifier{}
	c := newController(s, m, n)

	c.Start("A")
	c.Drop(&Target{Status: domain.StatusInProgress})
	s.Close()
	close(release)
	c.Close()

	if conflicts, failures := n.counts(); conflicts+failures != 0 {
		t.Fatal("no notification expected after teardown")
	}
	if c.Start("A") {
		t.Fatal("closed controller must refuse drags")
	}
}

func TestCloseCancelsInflightRequests(t *testing.T) {
	s := seeded(t, wo("A", domain.StatusPending, 1000))
	m := &fakeMover{fn: func(_ int, ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	c := newController(s, m, &fakeNotifier{})

	c.Start("A")
	c.Drop(&Target{Status: domain.StatusInProgress})

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not cancel the in-flight request")
	}
	assertColumn(t, s, domain.StatusPending, "A")
}

func TestDropAtHeadOfNonPositiveColumn(t *testing.T) {
	tests := []struct {
		name string
		x, y float64
		want float64
	}{
		{name: "first at zero", x: 0, y: 500, want: -1000},
		{name: "all negative", x: -1000, y: -500, want: -2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seeded(t,
				wo("A", domain.StatusInProgress, 1000),
				wo("X", domain.StatusPending, tt.x),
				wo("Y", domain.StatusPending, tt.y),
			)
			c := newController(s, &fakeMover{}, &fakeNotifier{})
			defer c.Close()

			c.Start("A")
			mv, ok := c.Drop(At(domain.StatusPending, 0))
			if !ok || mv.Position != tt.want {
				t.Fatalf("expected head position %v, got %+v %v", tt.want, mv, ok)
			}
			assertColumn(t, s, domain.StatusPending, "A", "X", "Y")
			c.Wait()
		})
	}
}

func TestStoreClosedDuringRequestSuppressesNotification(t *testing.T) {
	s := seeded(t, wo("A", domain.StatusPending, 1000))
	m := &fakeMover{fn: func(int, context.Context) error {
		s.Close()
		return domain.ErrMoveConflict
	}}
	n := &fakeNotifier{}
	c := newController(s, m, n)
	defer c.Close()

	c.Start("A")
	if _, ok := c.Drop(&Target{Status: domain.StatusCompleted}); !ok {
		t.Fatal("expected move")
	}
	c.Wait()
	if conflicts, failures := n.counts(); conflicts+failures != 0 {
		t.Fatalf("no notification expected after teardown, got %d conflicts and %d failures", conflicts, failures)
	}
}

func TestOnPhaseMayCallBackIntoController(t *testing.T) {
	s := seeded(t, wo("A", domain.StatusPending, 1000))
	c := newController(s, &fakeMover{}, &fakeNotifier{})
	defer c.Close()

	var seen []Phase
	c.cfg.OnPhase = func(_, to Phase) {
		phase, _, _ := c.Phase()
		seen = append(seen, phase)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Start("A")
		c.Drop(&Target{Status: domain.StatusCompleted})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("phase callback deadlocked the controller")
	}
	c.Wait()
	want := []Phase{Dragging, Idle, Idle}
	if len(seen) != len(want) {
		t.Fatalf("phases seen from callback = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("phases seen from callback = %v, want %v", seen, want)
		}
	}
}
