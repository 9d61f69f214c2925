package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"fleetboard/domain"
)

// State is the connection state of a Channel.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// EventSink receives board update events. *board.Store implements it.
type EventSink interface {
	ApplyServerEvent(ev domain.BoardUpdateEvent) bool
}

// Config controls dialing and reconnection.
type Config struct {
	URL string
	// BaseDelay is the first reconnect delay; it doubles per failed attempt up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts is the number of consecutive failed attempts after which the
	// channel gives up. A connection that closes before delivering any message
	// and within MaxDelay counts as failed. Zero retries forever.
	MaxAttempts int
	// Jitter spreads reconnect delays by up to the given fraction.
	Jitter        float64
	Dialer        *websocket.Dialer
	Logger        log.FieldLogger
	OnStateChange func(State)
}

// Channel is a reconnecting subscription to a board's update stream. It runs
// as one supervised goroutine; Close is the single teardown operation.
type Channel struct {
	cfg    Config
	sink   EventSink
	logger log.FieldLogger

	state  atomic.Int32
	gaveUp atomic.Bool

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Channel that forwards events to sink.
func New(cfg Config, sink EventSink) *Channel {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		l := log.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Channel{
		cfg:    cfg,
		sink:   sink,
		logger: logger.WithField("component", "realtime"),
		done:   make(chan struct{}),
	}
}

// BoardURL builds the stream URL for a board, carrying the token as a query parameter.
func BoardURL(base, boardID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported stream url scheme %q", u.Scheme)
	}
	u = u.JoinPath("boards", boardID, "stream")
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Start launches the connection loop. Later calls are ignored.
func (c *Channel) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		go c.run(ctx)
	})
}

// Close stops the channel and waits for the loop to exit. A closure through
// Close never triggers a reconnect.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.startOnce.Do(func() {
			close(c.done)
		})
		if c.cancel != nil {
			c.cancel()
		}
		<-c.done
	})
}

// Done is closed once the loop has exited, either by Close or by giving up.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// State returns the current connection state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// GaveUp reports whether the channel stopped after exhausting its attempts.
func (c *Channel) GaveUp() bool {
	return c.gaveUp.Load()
}

func (c *Channel) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(Disconnected)

	attempt := 0
	for {
		c.setState(Connecting)
		conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
		if err == nil {
			c.setState(Connected)
			c.logger.Info("realtime channel connected")
			connectedAt := time.Now()
			var received bool
			received, err = c.readLoop(ctx, conn)
			// A connection only counts as healthy once it delivered a message or
			// outlived the longest backoff; dropping right after the upgrade
			// keeps counting towards MaxAttempts.
			if received || time.Since(connectedAt) >= c.cfg.MaxDelay {
				attempt = 0
			}
		}
		if ctx.Err() != nil {
			c.logger.Debug("realtime channel closed by consumer")
			return
		}
		c.setState(Disconnected)

		attempt++
		if c.cfg.MaxAttempts > 0 && attempt > c.cfg.MaxAttempts {
			c.gaveUp.Store(true)
			c.logger.WithError(err).WithField("attempts", attempt-1).Error("realtime channel giving up")
			return
		}
		delay := backoffDelay(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay, c.cfg.Jitter)
		c.logger.WithError(err).WithFields(log.Fields{"attempt": attempt, "delay": delay}).Warn("realtime channel disconnected, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// readLoop pumps messages until the connection drops. It reports whether at
// least one message arrived.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) (bool, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
			_ = conn.Close()
		}
	}()

	received := false
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return received, fmt.Errorf("stream closed: %w", err)
			}
			return received, fmt.Errorf("read stream: %w", err)
		}
		received = true
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		c.dispatch(data)
	}
}

// dispatch forwards board update events and drops everything else.
func (c *Channel) dispatch(data []byte) {
	var ev domain.BoardUpdateEvent
	if err := sonic.ConfigStd.Unmarshal(data, &ev); err != nil {
		c.logger.WithError(err).Debug("dropping malformed realtime message")
		return
	}
	if ev.Type != domain.EventWorkOrderUpdated {
		c.logger.WithField("type", ev.Type).Debug("ignoring realtime message")
		return
	}
	if !c.sink.ApplyServerEvent(ev) {
		c.logger.WithFields(log.Fields{"event_id": ev.EventID, "work_order": ev.WorkOrderID}).Debug("board update not applied")
	}
}
