package board

import "fleetboard/domain"

// Board is a detached copy of a store's state.
type Board struct {
	WorkOrdersByID map[string]domain.WorkOrder
	Columns        map[domain.Status][]string
}

// Snapshot returns a deep copy of the current board.
func (s *Store) Snapshot() Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := Board{
		WorkOrdersByID: make(map[string]domain.WorkOrder, len(s.byID)),
		Columns:        make(map[domain.Status][]string, len(s.columns)),
	}
	for id, e := range s.byID {
		b.WorkOrdersByID[id] = e.order
	}
	for st, ids := range s.columns {
		b.Columns[st] = append([]string(nil), ids...)
	}
	return b
}

// Get returns the work order with the given id.
func (s *Store) Get(id string) (domain.WorkOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return domain.WorkOrder{}, false
	}
	return e.order, true
}

// Column returns the ordered ids of a status column.
func (s *Store) Column(status domain.Status) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.columns[status]...)
}

// ColumnPositions returns the ordered positions of a column, skipping
// excludeID. It feeds ComputePosition for a drop into that column.
func (s *Store) ColumnPositions(status domain.Status, excludeID string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.columns[status]
	out := make([]float64, 0, len(ids))
	for _, id := range ids {
		if id == excludeID {
			continue
		}
		out = append(out, s.byID[id].order.Position)
	}
	return out
}

// Pending returns the pending move recorded for id.
func (s *Store) Pending(id string) (PendingMove, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pending[id]
	return rec, ok
}

// PendingCount returns the number of unresolved local moves.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SeenCount returns the number of remembered event ids.
func (s *Store) SeenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.len()
}

// Subscribe returns a channel that receives a signal after every applied
// mutation. Signals coalesce: a slow reader sees at least one signal after the
// latest change. The returned func unsubscribes.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

func (s *Store) notifyLocked() {
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
