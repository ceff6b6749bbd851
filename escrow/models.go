package escrow

import (
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"

	"escrowflow/agreement"
)

// State is the lifecycle position of an escrow. Complete and closed are
// terminal: no operation transitions out of them.
type State string

const (
	StateFunded           State = "funded"
	StateProofSent        State = "proof_sent"
	StateComplete         State = "complete"
	StateProviderDisputed State = "provider_disputed"
	StateHolderDisputed   State = "holder_disputed"
	StateClosed           State = "closed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateClosed
}

// Disputed reports whether the escrow is suspended pending a ruling.
func (s State) Disputed() bool {
	return s == StateProviderDisputed || s == StateHolderDisputed
}

// Ruling is the arbitration authority's outcome for a disputed escrow.
type Ruling string

const (
	RulingNone     Ruling = "none"
	RulingHolder   Ruling = "holder"
	RulingProvider Ruling = "provider"
)

// Record is the live custody record created from an accepted agreement.
// Records are never deleted; terminal rows remain as history.
type Record struct {
	ID        int64
	Agreement agreement.Agreement
	State     State
	ProofRef  string
	DisputeID *uuid.UUID
	CreatedAt time.Time
}

// PayoutKind labels what a payout row settles.
type PayoutKind string

const (
	PayoutProviderNet       PayoutKind = "provider_net"
	PayoutHolderRefund      PayoutKind = "holder_refund"
	PayoutEscrowFee         PayoutKind = "escrow_fee"
	PayoutBridgeFee         PayoutKind = "bridge_fee"
	PayoutDestinationGas    PayoutKind = "destination_gas"
	PayoutDisputeFeeForfeit PayoutKind = "dispute_fee_forfeit"
	PayoutDisputeFeeRefund  PayoutKind = "dispute_fee_refund"
)

// Payout is one settled movement of custodied funds. The (escrow, kind)
// pair is unique, which is what makes double settlement impossible.
type Payout struct {
	EscrowID  int64
	Kind      PayoutKind
	Recipient string
	Amount    *big.Int
}

// Settlement summarizes who a ruling favored, for the dispute coordinator's
// follow-up side effects.
type Settlement struct {
	Ruling Ruling
	Winner agreement.Identity
	Loser  agreement.Identity
}

var (
	// ErrNotFound signals an escrow id that was never created.
	ErrNotFound = errors.New("escrow: not found")
	// ErrExpired signals an agreement submitted after its signature deadline.
	ErrExpired = errors.New("escrow: agreement deadline expired")
	// ErrInvalidTimeout signals timeouts outside the configured bounds or
	// out of order.
	ErrInvalidTimeout = errors.New("escrow: invalid timeout")
	// ErrInvalidAmount signals a deposit that does not match the agreement.
	ErrInvalidAmount = errors.New("escrow: deposited amount mismatch")
	// ErrInvalidSignature signals a signature pair that does not authorize
	// the agreement.
	ErrInvalidSignature = errors.New("escrow: invalid signature")
	// ErrNonceReused signals a (signer, nonce) pair that already backed an
	// escrow.
	ErrNonceReused = errors.New("escrow: nonce reused")
	// ErrWrongState signals an operation the current state does not admit.
	ErrWrongState = errors.New("escrow: wrong state")
	// ErrNotAuthorized signals a caller who is not the party allowed to
	// perform the operation.
	ErrNotAuthorized = errors.New("escrow: not authorized")
	// ErrInsufficientDisputeFee signals a dispute fee below the required
	// cost for this escrow.
	ErrInsufficientDisputeFee = errors.New("escrow: insufficient dispute fee")
	// ErrInvalidRuling signals a ruling value that settles nothing.
	ErrInvalidRuling = errors.New("escrow: invalid ruling")
)
