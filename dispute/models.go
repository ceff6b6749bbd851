package dispute

import (
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"

	"escrowflow/agreement"
	"escrowflow/escrow"
)

// Record is an escalation that suspends an escrow pending external ruling.
// It references its escrow by id only; the escrow carries the weak back
// reference and this package is the sole writer of dispute rows.
type Record struct {
	ID          uuid.UUID
	EscrowID    int64
	Initiator   agreement.Identity
	EvidenceRef string
	FeePaid     *big.Int
	Resolved    bool
	Ruling      escrow.Ruling
	Rationale   string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

var (
	// ErrNotFound signals an unknown dispute id.
	ErrNotFound = errors.New("dispute: not found")
	// ErrAlreadyResolved signals a second ruling for the same dispute.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
)
