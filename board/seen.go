package board

import "container/list"

// seenEvents remembers applied event ids. When capacity is positive the set
// keeps only the most recently recorded ids; zero keeps every id.
type seenEvents struct {
	capacity int
	items    map[string]*list.Element
	lru      *list.List
}

func newSeenEvents(capacity int) *seenEvents {
	if capacity < 0 {
		capacity = 0
	}
	return &seenEvents{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

func (s *seenEvents) contains(id string) bool {
	elem, ok := s.items[id]
	if ok {
		s.lru.MoveToFront(elem)
	}
	return ok
}

func (s *seenEvents) add(id string) {
	if elem, ok := s.items[id]; ok {
		s.lru.MoveToFront(elem)
		return
	}
	s.items[id] = s.lru.PushFront(id)
	if s.capacity > 0 && s.lru.Len() > s.capacity {
		oldest := s.lru.Back()
		s.lru.Remove(oldest)
		delete(s.items, oldest.Value.(string))
	}
}

func (s *seenEvents) len() int {
	return s.lru.Len()
}
