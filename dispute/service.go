package dispute

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/agreement"
	"escrowflow/escrow"
	"escrowflow/reputation"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EscrowAuthority is the slice of the escrow state machine the coordinator
// drives. Both calls run inside the coordinator's transaction; the state
// machine stays the only writer of escrow rows.
type EscrowAuthority interface {
	OpenDispute(ctx context.Context, tx pgx.Tx, id int64, initiator agreement.Identity, feePaid *big.Int, disputeID uuid.UUID) (escrow.Record, error)
	ApplyRuling(ctx context.Context, tx pgx.Tx, id int64, ruling escrow.Ruling, initiator agreement.Identity, disputeFee *big.Int) (escrow.Settlement, error)
	RecordOutcome(ctx context.Context, party agreement.Identity, outcome reputation.Outcome)
}

// Repo is the persistence surface for dispute rows.
type Repo interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (Record, error)
	Get(ctx context.Context, id uuid.UUID) (Record, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, id uuid.UUID, ruling escrow.Ruling, rationale string) error
}

// Service opens and resolves disputes. It is the single path by which an
// external ruling can move custodied funds.
type Service struct {
	pool    TxBeginner
	repo    Repo
	escrows EscrowAuthority
}

// NewService wires the coordinator.
func NewService(pool TxBeginner, repo Repo, escrows EscrowAuthority) *Service {
	return &Service{pool: pool, repo: repo, escrows: escrows}
}

// Create opens a dispute against an escrow. Eligibility (which party may
// dispute from which state) and the fee floor are enforced by the state
// machine inside the same transaction, so a rejected dispute leaves no rows
// behind.
func (s *Service) Create(ctx context.Context, escrowID int64, caller agreement.Identity, evidenceRef string, feePaid *big.Int) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Insert(ctx, tx, Record{
		ID:          uuid.New(),
		EscrowID:    escrowID,
		Initiator:   caller,
		EvidenceRef: evidenceRef,
		FeePaid:     feePaid,
	})
	if err != nil {
		return Record{}, err
	}

	if _, err := s.escrows.OpenDispute(ctx, tx, escrowID, caller, feePaid, rec.ID); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit create: %w", err)
	}
	return rec, nil
}

// Resolve applies the arbitration authority's ruling. The caller identity
// check happens at the transport boundary; here only the resolved-once
// guarantee and the settlement itself are enforced.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, ruling escrow.Ruling, rationale string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Resolved {
		return Record{}, ErrAlreadyResolved
	}

	settlement, err := s.escrows.ApplyRuling(ctx, tx, rec.EscrowID, ruling, rec.Initiator, rec.FeePaid)
	if err != nil {
		return Record{}, err
	}

	if err := s.repo.MarkResolved(ctx, tx, id, ruling, rationale); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}

	s.escrows.RecordOutcome(ctx, settlement.Winner, reputation.OutcomeWonDispute)
	s.escrows.RecordOutcome(ctx, settlement.Loser, reputation.OutcomeLostDispute)

	rec.Resolved = true
	rec.Ruling = ruling
	rec.Rationale = rationale
	return rec, nil
}

// Get returns a dispute for the public read surface.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	return s.repo.Get(ctx, id)
}
