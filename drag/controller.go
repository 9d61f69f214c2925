package drag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"fleetboard/board"
	"fleetboard/domain"
)

// Phase is a step of the drag gesture state machine.
type Phase int

const (
	Idle Phase = iota
	Dragging
	Dropped
	Cancelled
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Dragging:
		return "dragging"
	case Dropped:
		return "dropped"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Mover sends a move to the server. *client.Client implements it.
type Mover interface {
	MoveWorkOrder(ctx context.Context, id string, req domain.MoveRequest) error
}

// Notifier surfaces failed moves to the user.
type Notifier interface {
	// Conflict reports a move the server rejected because the board changed underneath it.
	Conflict(workOrderID string, err error)
	// Failed reports any other failed move.
	Failed(workOrderID string, err error)
}

// Target is where a dragged item was released. ItemID, when set, wins over Status.
type Target struct {
	Status domain.Status
	ItemID string

	slot *int
}

// At targets a slot of a column, counted with the dragged item taken out.
// Out of range slots are clamped to the column bounds.
func At(status domain.Status, slot int) *Target {
	return &Target{Status: status, slot: &slot}
}

// Move describes an optimistic move issued by a drop.
type Move struct {
	WorkOrderID     string
	FromStatus      domain.Status
	ToStatus        domain.Status
	Index           int
	Position        float64
	ClientRequestID string
}

type Config struct {
	BoardID string
	// Timeout bounds each move request. Zero means 15s.
	Timeout      time.Duration
	Logger       log.FieldLogger
	NewRequestID func() string
	// OnPhase observes every transition. It runs after the controller's lock is
	// released and may call back into the controller.
	OnPhase func(from, to Phase)
}

// Controller turns drag gestures into optimistic store moves and server calls.
type Controller struct {
	store    *board.Store
	mover    Mover
	notifier Notifier
	cfg      Config
	logger   log.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	phase    Phase
	activeID string
	overID   string
	closed   bool
	changes  []phaseChange
}

type phaseChange struct {
	from, to Phase
}

func New(store *board.Store, mover Mover, notifier Notifier, cfg Config) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.NewRequestID == nil {
		cfg.NewRequestID = func() string { return uuid.NewString() }
	}
	logger := cfg.Logger
	if logger == nil {
		l := log.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:    store,
		mover:    mover,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.WithFields(log.Fields{"component": "drag", "board": cfg.BoardID}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Phase returns the current phase with the active and hovered ids.
func (c *Controller) Phase() (Phase, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase, c.activeID, c.overID
}

// Start begins dragging id. It fails when a drag is already active or the
// item is not on the board.
func (c *Controller) Start(id string) bool {
	c.mu.Lock()
	defer c.unlock()
	if c.closed || c.phase != Idle {
		return false
	}
	if _, ok := c.store.Get(id); !ok {
		c.logger.WithField("work_order", id).Debug("drag start on unknown work order")
		return false
	}
	c.activeID = id
	c.overID = ""
	c.transitionLocked(Dragging)
	return true
}

// Over records the column or item currently under the pointer.
func (c *Controller) Over(overID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == Dragging {
		c.overID = overID
	}
}

// Cancel abandons the active drag without touching the store.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.unlock()
	if c.phase != Dragging {
		return
	}
	c.transitionLocked(Cancelled)
	c.resetLocked()
}

// Drop releases the active item over target. A nil target cancels the drag.
// When the drop changes the item's place it is moved optimistically and the
// server call runs in the background; the returned Move describes it.
func (c *Controller) Drop(target *Target) (Move, bool) {
	c.mu.Lock()
	defer c.unlock()
	if c.phase != Dragging {
		return Move{}, false
	}
	mv, ok := c.resolveLocked(target)
	if !ok {
		c.transitionLocked(Cancelled)
		c.resetLocked()
		return Move{}, false
	}
	c.transitionLocked(Dropped)
	defer c.resetLocked()

	current, _ := c.store.Get(mv.WorkOrderID)
	mv.FromStatus = current.Status
	mv.Position = board.ComputePosition(c.store.ColumnPositions(mv.ToStatus, mv.WorkOrderID), mv.Index)
	mv.ClientRequestID = c.cfg.NewRequestID()
	if !c.store.OptimisticMove(mv.WorkOrderID, mv.ToStatus, mv.Position, mv.ClientRequestID) {
		c.logger.WithField("work_order", mv.WorkOrderID).Warn("optimistic move not applied")
		return Move{}, false
	}

	c.wg.Add(1)
	go c.send(mv)
	return mv, true
}

// resolveLocked maps a drop target to a destination column and index within
// that column once the dragged item is taken out. Same-slot drops resolve to false.
func (c *Controller) resolveLocked(target *Target) (Move, bool) {
	if target == nil {
		return Move{}, false
	}
	id := c.activeID
	current, ok := c.store.Get(id)
	if !ok {
		return Move{}, false
	}
	activeIndex := indexOf(c.store.Column(current.Status), id)

	var toStatus domain.Status
	var index int
	switch {
	case target.ItemID != "" && target.ItemID != id:
		over, ok := c.store.Get(target.ItemID)
		if !ok {
			return Move{}, false
		}
		toStatus = over.Status
		// The hovered item's slot in the full column. Within the same column
		// this lands after it when moving down and before it when moving up.
		index = indexOf(c.store.Column(toStatus), target.ItemID)
	case target.ItemID == id:
		return Move{}, false
	case target.slot != nil && target.Status.Valid():
		toStatus = target.Status
		index = min(max(*target.slot, 0), len(c.store.ColumnPositions(toStatus, id)))
	case target.Status.Valid():
		toStatus = target.Status
		index = len(c.store.ColumnPositions(toStatus, id))
	default:
		return Move{}, false
	}

	if toStatus == current.Status && index == activeIndex {
		return Move{}, false
	}
	return Move{WorkOrderID: id, ToStatus: toStatus, Index: index}, true
}

func (c *Controller) send(mv Move) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
	defer cancel()

	logger := c.logger.WithFields(log.Fields{
		"work_order":        mv.WorkOrderID,
		"to_status":         mv.ToStatus,
		"position":          mv.Position,
		"client_request_id": mv.ClientRequestID,
	})
	err := c.mover.MoveWorkOrder(ctx, mv.WorkOrderID, domain.MoveRequest{
		Status:          mv.ToStatus,
		Position:        mv.Position,
		BoardID:         c.cfg.BoardID,
		ClientRequestID: mv.ClientRequestID,
	})
	if err == nil {
		logger.Debug("move accepted")
		return
	}
	switch c.store.RollbackRequest(mv.WorkOrderID, mv.ClientRequestID) {
	case board.StoreClosed:
		logger.WithError(err).Debug("move failed after board teardown")
		return
	case board.Superseded:
		logger.Debug("move superseded, leaving newer pending move in place")
	}
	if c.store.Closed() {
		logger.WithError(err).Debug("board torn down before the failure was reported")
		return
	}

	if errors.Is(err, domain.ErrMoveConflict) {
		logger.WithError(err).Info("move rejected with conflict")
		c.notifier.Conflict(mv.WorkOrderID, err)
		return
	}
	logger.WithError(err).Warn("move failed")
	c.notifier.Failed(mv.WorkOrderID, err)
}

// Wait blocks until every in-flight move request has resolved.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close cancels in-flight requests and waits for them. Later drags are refused.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	if c.phase == Dragging {
		c.transitionLocked(Cancelled)
		c.resetLocked()
	}
	c.unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) transitionLocked(to Phase) {
	from := c.phase
	c.phase = to
	if c.cfg.OnPhase != nil {
		c.changes = append(c.changes, phaseChange{from: from, to: to})
	}
}

// unlock releases c.mu, then reports the transitions queued while it was held.
func (c *Controller) unlock() {
	changes := c.changes
	c.changes = nil
	c.mu.Unlock()
	for _, ch := range changes {
		c.cfg.OnPhase(ch.from, ch.to)
	}
}

func (c *Controller) resetLocked() {
	c.activeID = ""
	c.overID = ""
	c.transitionLocked(Idle)
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
