package view

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"fleetboard/board"
	"fleetboard/domain"
	"fleetboard/drag"
	"fleetboard/realtime"
)

// ErrClosed is returned by a session after Close.
var ErrClosed = errors.New("board session closed")

// API is the REST surface a session needs. *client.Client implements it.
type API interface {
	FetchWorkOrders(ctx context.Context, boardID string) ([]domain.WorkOrder, error)
	drag.Mover
}

type Config struct {
	BoardID string
	// StreamURL is the base URL of the realtime endpoint; the board path and
	// token are appended to it.
	StreamURL     string
	Token         string
	SeenEventsCap int

	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	ReconnectJitter   float64
	MoveTimeout       time.Duration

	Notifier       drag.Notifier
	Logger         *log.Logger
	OnChannelState func(realtime.State)
}

// Session is one mounted board: it owns a store instance, the drag controller
// that mutates it and, while subscribed, the realtime channel feeding it.
// Nothing is shared between sessions.
type Session struct {
	cfg    Config
	api    API
	logger *log.Entry

	store      *board.Store
	controller *drag.Controller

	mu      sync.Mutex
	channel *realtime.Channel
	closed  bool
}

// Open mounts a board. The store starts empty until Load is called.
func Open(api API, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = log.New()
		cfg.Logger.SetOutput(io.Discard)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = logNotifier{logger: cfg.Logger}
	}
	if cfg.SeenEventsCap <= 0 {
		cfg.SeenEventsCap = board.DefaultSeenEventsCap
	}
	store := board.NewStore(cfg.SeenEventsCap)
	return &Session{
		cfg:    cfg,
		api:    api,
		logger: cfg.Logger.WithField("board", cfg.BoardID),
		store:  store,
		controller: drag.New(store, api, cfg.Notifier, drag.Config{
			BoardID: cfg.BoardID,
			Timeout: cfg.MoveTimeout,
			Logger:  cfg.Logger,
		}),
	}
}

func (s *Session) Store() *board.Store { return s.store }

func (s *Session) Controller() *drag.Controller { return s.controller }

// Load fetches the board snapshot and replaces the store state with it.
func (s *Session) Load(ctx context.Context) error {
	if s.store.Closed() {
		return ErrClosed
	}
	items, err := s.api.FetchWorkOrders(ctx, s.cfg.BoardID)
	if err != nil {
		return fmt.Errorf("load board %s: %w", s.cfg.BoardID, err)
	}
	if !s.store.SetFromSnapshot(items) {
		return ErrClosed
	}
	s.logger.WithField("work_orders", len(items)).Debug("board snapshot loaded")
	return nil
}

// Subscribe opens the realtime channel for the board. It is a no-op while a
// channel is already open.
func (s *Session) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.channel != nil {
		select {
		case <-s.channel.Done():
			// gave up earlier; a new subscription starts a fresh channel
		default:
			return nil
		}
	}
	u, err := realtime.BoardURL(s.cfg.StreamURL, s.cfg.BoardID, s.cfg.Token)
	if err != nil {
		return err
	}
	s.channel = realtime.New(realtime.Config{
		URL:           u,
		BaseDelay:     s.cfg.ReconnectBase,
		MaxDelay:      s.cfg.ReconnectMax,
		MaxAttempts:   s.cfg.ReconnectAttempts,
		Jitter:        s.cfg.ReconnectJitter,
		Logger:        s.logger,
		OnStateChange: s.cfg.OnChannelState,
	}, s.store)
	s.channel.Start(ctx)
	return nil
}

// Unsubscribe closes the realtime channel without tearing down the board.
func (s *Session) Unsubscribe() {
	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// ChannelState reports the realtime channel state; Disconnected when unsubscribed.
func (s *Session) ChannelState() realtime.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return realtime.Disconnected
	}
	return s.channel.State()
}

// Close unmounts the board: the channel is closed without reconnecting,
// in-flight moves are cancelled and the store is torn down.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	s.store.Close()
	s.controller.Close()
}

type logNotifier struct {
	logger *log.Logger
}

func (n logNotifier) Conflict(id string, err error) {
	n.logger.WithError(err).WithField("work_order", id).Warn("move conflicted with a newer change, reverted")
}

func (n logNotifier) Failed(id string, err error) {
	n.logger.WithError(err).WithField("work_order", id).Warn("move failed, reverted")
}
