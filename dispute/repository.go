package dispute

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/agreement"
	"escrowflow/escrow"
)

// Repository is the pgx-backed Repo.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const disputeColumns = `
	id, escrow_id, initiator, evidence_ref, fee_paid::text,
	resolved, ruling::text, rationale, created_at, resolved_at
`

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
		INSERT INTO disputes (id, escrow_id, initiator, evidence_ref, fee_paid)
		VALUES ($1, $2, $3, $4, $5::numeric)
		RETURNING created_at
	`

	fee := "0"
	if rec.FeePaid != nil {
		fee = rec.FeePaid.String()
	}
	err := tx.QueryRow(ctx, query,
		rec.ID, rec.EscrowID, rec.Initiator.String(), rec.EvidenceRef, fee,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	rec.Ruling = escrow.RulingNone
	return rec, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`
	return scanRecord(tx.QueryRow(ctx, query, id))
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`
	return scanRecord(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, id uuid.UUID, ruling escrow.Ruling, rationale string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE disputes
		SET resolved = true, ruling = $1::dispute_ruling, rationale = $2, resolved_at = now()
		WHERE id = $3 AND NOT resolved
	`, string(ruling), rationale, id)
	if err != nil {
		return fmt.Errorf("dispute: mark resolved: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrAlreadyResolved
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec        Record
		initiator  string
		feePaid    string
		ruling     string
		resolvedAt *time.Time
	)

	err := row.Scan(
		&rec.ID, &rec.EscrowID, &initiator, &rec.EvidenceRef, &feePaid,
		&rec.Resolved, &ruling, &rec.Rationale, &rec.CreatedAt, &resolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: scan: %w", err)
	}

	if rec.Initiator, err = agreement.ParseIdentity(initiator); err != nil {
		return Record{}, fmt.Errorf("dispute: stored initiator: %w", err)
	}
	fee, ok := new(big.Int).SetString(feePaid, 10)
	if !ok {
		return Record{}, fmt.Errorf("dispute: malformed stored fee %q", feePaid)
	}
	rec.FeePaid = fee
	rec.Ruling = escrow.Ruling(ruling)
	rec.ResolvedAt = resolvedAt

	return rec, nil
}
