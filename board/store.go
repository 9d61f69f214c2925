package board

import (
	"math"
	"sort"
	"sync"

	"fleetboard/domain"
)

// DefaultSeenEventsCap bounds the dedup window of applied event ids.
const DefaultSeenEventsCap = 4096

type entry struct {
	order domain.WorkOrder
	seq   uint64
}

// Store is the client's view of one board: work orders by id plus one ordered
// column of ids per status. Every mutation keeps the item's status field and
// its column membership in agreement.
//
// Store methods never fail. A call whose preconditions do not hold is a no-op
// and reports false, leaving the caller to decide whether that is worth logging.
type Store struct {
	mu      sync.Mutex
	byID    map[string]*entry
	columns map[domain.Status][]string
	pending map[string]PendingMove
	seen    *seenEvents
	seenCap int
	seq     uint64
	closed  bool
	subs    map[chan struct{}]struct{}
}

// NewStore creates an empty store. seenCap bounds the number of remembered
// event ids; zero keeps them all.
func NewStore(seenCap int) *Store {
	s := &Store{seenCap: seenCap, subs: make(map[chan struct{}]struct{})}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.byID = make(map[string]*entry)
	s.columns = make(map[domain.Status][]string, len(domain.Statuses))
	for _, st := range domain.Statuses {
		s.columns[st] = nil
	}
	s.pending = make(map[string]PendingMove)
	s.seen = newSeenEvents(s.seenCap)
}

// SetFromSnapshot replaces all state, including pending moves and the seen
// event history. Items are ordered by position, then creation time, then id,
// so reloading the same data always yields the same columns. Items with an
// unknown status are dropped.
func (s *Store) SetFromSnapshot(items []domain.WorkOrder) bool {
	sorted := make([]domain.WorkOrder, 0, len(items))
	for _, it := range items {
		if it.ID == "" || !it.Status.Valid() || !validPosition(it.Position) {
			continue
		}
		sorted = append(sorted, it)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.resetLocked()
	for _, it := range sorted {
		if old, ok := s.byID[it.ID]; ok {
			s.removeFromColumnLocked(old.order.Status, it.ID)
		}
		s.seq++
		s.byID[it.ID] = &entry{order: it, seq: s.seq}
		s.columns[it.Status] = append(s.columns[it.Status], it.ID)
	}
	s.notifyLocked()
	return true
}

// OptimisticMove moves id into toStatus at position before the server has
// confirmed it and records a pending move so the change can be rolled back.
//
// When a move for id is already pending, the record keeps the originals
// captured by the first move and only adopts the new clientRequestID: a
// rollback always returns the item to where it was before the local moves
// began, and only the newest request's echo resolves the record.
func (s *Store) OptimisticMove(id string, toStatus domain.Status, position float64, clientRequestID string) bool {
	if !toStatus.Valid() || !validPosition(position) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	rec, exists := s.pending[id]
	if !exists {
		rec = PendingMove{
			OriginalStatus:   e.order.Status,
			OriginalPosition: e.order.Position,
			originalSeq:      e.seq,
		}
	}
	rec.ClientRequestID = clientRequestID
	s.pending[id] = rec
	s.placeLocked(e, toStatus, position, 0)
	s.notifyLocked()
	return true
}

// RollbackMove returns id to the status and position captured by its pending
// move and clears the record. It is a no-op when nothing is pending.
func (s *Store) RollbackMove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return s.rollbackLocked(id)
}

// RollbackOutcome reports what RollbackRequest did.
type RollbackOutcome int

const (
	// RolledBack means the pending move was reverted.
	RolledBack RollbackOutcome = iota
	// Superseded means the record is gone or belongs to a newer request.
	Superseded
	// StoreClosed means the store was torn down.
	StoreClosed
)

// RollbackRequest reverts id's pending move only while the record still
// carries clientRequestID. The check and the rollback happen under one lock,
// so a concurrent Close is always reported as StoreClosed.
func (s *Store) RollbackRequest(id, clientRequestID string) RollbackOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StoreClosed
	}
	rec, ok := s.pending[id]
	if !ok || rec.ClientRequestID != clientRequestID {
		return Superseded
	}
	if !s.rollbackLocked(id) {
		return Superseded
	}
	return RolledBack
}

func (s *Store) rollbackLocked(id string) bool {
	rec, ok := s.pending[id]
	if !ok {
		return false
	}
	delete(s.pending, id)
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	s.placeLocked(e, rec.OriginalStatus, rec.OriginalPosition, rec.originalSeq)
	s.notifyLocked()
	return true
}

// ApplyServerEvent applies a remote board update. Events are absolute
// assignments, so replays and stale deliveries cannot corrupt state: an event
// id is applied at most once and the last applied assignment wins.
//
// If the item has a pending local move, an event carrying the same client
// request id confirms it and clears the record. An event from anyone else
// leaves the optimistic placement on screen, but the pending record is not
// left untouched: the event's status and position replace its originals and
// become the rollback target, so a later rejection lands on the server's
// state instead of the pre-drag one. Only the clientRequestID is kept.
func (s *Store) ApplyServerEvent(ev domain.BoardUpdateEvent) bool {
	if ev.EventID == "" || !ev.ToStatus.Valid() || !validPosition(ev.Position) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.seen.contains(ev.EventID) {
		return false
	}
	e, ok := s.byID[ev.WorkOrderID]
	if !ok {
		return false
	}
	s.seen.add(ev.EventID)

	rec, pending := s.pending[ev.WorkOrderID]
	switch {
	case pending && rec.ClientRequestID != "" && rec.ClientRequestID == ev.RequestID():
		delete(s.pending, ev.WorkOrderID)
		s.placeLocked(e, ev.ToStatus, ev.Position, 0)
	case pending:
		rec.OriginalStatus = ev.ToStatus
		rec.OriginalPosition = ev.Position
		rec.originalSeq = 0
		s.pending[ev.WorkOrderID] = rec
	default:
		s.placeLocked(e, ev.ToStatus, ev.Position, 0)
	}
	if !ev.UpdatedAt.IsZero() {
		e.order.UpdatedAt = ev.UpdatedAt
	}
	s.notifyLocked()
	return true
}

// Renumber assigns evenly spaced positions to every item of a column, keeping
// their order, and returns the new positions by id. Items with a pending move
// are renumbered as displayed.
func (s *Store) Renumber(status domain.Status) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !status.Valid() {
		return nil
	}
	ids := s.columns[status]
	positions := EvenPositions(len(ids))
	out := make(map[string]float64, len(ids))
	for i, id := range ids {
		s.byID[id].order.Position = positions[i]
		out[id] = positions[i]
	}
	if len(ids) > 0 {
		s.notifyLocked()
	}
	return out
}

// Close tears the store down. Every later call is a no-op and subscribers'
// channels are closed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.resetLocked()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// placeLocked moves e into status at position, keeping the column sorted.
// A zero seq assigns a fresh insertion sequence.
func (s *Store) placeLocked(e *entry, status domain.Status, position float64, seq uint64) {
	s.removeFromColumnLocked(e.order.Status, e.order.ID)
	if seq == 0 {
		s.seq++
		seq = s.seq
	}
	e.seq = seq
	e.order.Status = status
	e.order.Position = position
	col := append(s.columns[status], e.order.ID)
	sort.Slice(col, func(i, j int) bool {
		a, b := s.byID[col[i]], s.byID[col[j]]
		if a.order.Position != b.order.Position {
			return a.order.Position < b.order.Position
		}
		return a.seq < b.seq
	})
	s.columns[status] = col
}

func (s *Store) removeFromColumnLocked(status domain.Status, id string) {
	col := s.columns[status]
	for i, cid := range col {
		if cid == id {
			s.columns[status] = append(col[:i:i], col[i+1:]...)
			return
		}
	}
}

func validPosition(p float64) bool {
	return !math.IsNaN(p) && !math.IsInf(p, 0)
}
