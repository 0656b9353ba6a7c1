package storage

import (
	"time"

	"github.com/google/uuid"
)

// MutationRecord is the audit row of one dispatched contract write.
type MutationRecord struct {
	ID            uuid.UUID
	Method        string
	Args          []string
	State         string
	TxHash        *string
	BlockNumber   *int64
	Error         *string
	Refreshed     []string
	RefreshErrors []string
	SubmittedAt   time.Time
	FinishedAt    time.Time
	CreatedAt     time.Time
}
