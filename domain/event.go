package domain

import "time"

// EventWorkOrderUpdated is the only realtime event kind the board consumes.
const EventWorkOrderUpdated = "work_order.updated"

// BoardUpdateEvent is an absolute status/position assignment broadcast by the server.
// ClientRequestID is set only when the event echoes a move issued by a client.
type BoardUpdateEvent struct {
	Type            string    `json:"type"`
	EventID         string    `json:"eventId"`
	BoardID         string    `json:"boardId,omitempty"`
	WorkOrderID     string    `json:"workOrderId"`
	ToStatus        Status    `json:"toStatus"`
	Position        float64   `json:"position"`
	UpdatedAt       time.Time `json:"updatedAt"`
	ClientRequestID *string   `json:"clientRequestId"`
}

// RequestID returns the echoed client request id or "" when absent.
func (e BoardUpdateEvent) RequestID() string {
	if e.ClientRequestID == nil {
		return ""
	}
	return *e.ClientRequestID
}

// MoveRequest is the PATCH /work-orders/{id}/status request body.
type MoveRequest struct {
	Status          Status  `json:"status"`
	Position        float64 `json:"position"`
	BoardID         string  `json:"boardId"`
	ClientRequestID string  `json:"clientRequestId"`
}
