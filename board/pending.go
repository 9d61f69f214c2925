package board

import "fleetboard/domain"

// PendingMove records a local move awaiting server confirmation or rejection.
// OriginalStatus and OriginalPosition describe where a rollback returns the item.
type PendingMove struct {
	ClientRequestID  string
	OriginalStatus   domain.Status
	OriginalPosition float64

	// originalSeq restores tie-break order on rollback; zero means a fresh sequence.
	originalSeq uint64
}
