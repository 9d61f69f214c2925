package stream

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// sendBuffer is the number of frames queued per connection before frames are dropped.
const sendBuffer = 32

type subscriber struct {
	send chan []byte
}

// Hub fans board update frames out to the connections watching each board.
type Hub struct {
	logger *log.Logger

	mu     sync.Mutex
	boards map[string]map[*subscriber]struct{}
	closed bool
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{logger: logger, boards: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers a receiver for a board. The returned func unsubscribes
// and closes the channel.
func (h *Hub) Subscribe(boardID string) (<-chan []byte, func()) {
	sub := &subscriber{send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.send)
		return sub.send, func() {}
	}
	subs, ok := h.boards[boardID]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.boards[boardID] = subs
	}
	subs[sub] = struct{}{}
	return sub.send, func() { h.remove(boardID, sub) }
}

func (h *Hub) remove(boardID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.boards[boardID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.send)
	if len(subs) == 0 {
		delete(h.boards, boardID)
	}
}

// Broadcast queues data for every subscriber of a board without blocking.
// A subscriber whose buffer is full misses the frame.
func (h *Hub) Broadcast(boardID string, data []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	sent := 0
	for sub := range h.boards[boardID] {
		select {
		case sub.send <- data:
			sent++
		default:
			h.logger.WithField("board", boardID).Warn("stream subscriber is behind, dropping frame")
		}
	}
	return sent
}

// Subscribers returns the number of connections watching a board.
func (h *Hub) Subscribers(boardID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.boards[boardID])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.boards {
		for sub := range subs {
			close(sub.send)
		}
	}
	h.boards = make(map[string]map[*subscriber]struct{})
}
