package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/agreement"
)

// Repository is the pgx-backed Store. Row locking via SELECT ... FOR UPDATE
// serializes racing operations on one escrow id.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed store implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const escrowColumns = `
	id, holder, provider, amount::text,
	funded_timeout, proof_timeout, nonce, deadline,
	dest_network, dest_recipient, adapter_params,
	state::text, proof_ref, dispute_id, created_at
`

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, a agreement.Agreement) (Record, error) {
	const query = `
		INSERT INTO escrows (
			holder, provider, amount,
			funded_timeout, proof_timeout, nonce, deadline,
			dest_network, dest_recipient, adapter_params, state
		)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, 'funded')
		RETURNING id, created_at
	`

	rec := Record{Agreement: a, State: StateFunded}
	err := tx.QueryRow(ctx, query,
		a.Holder.String(),
		a.Provider.String(),
		a.Amount.String(),
		a.FundedTimeout,
		a.ProofTimeout,
		int64(a.Nonce),
		a.Deadline,
		int64(a.DestNetwork),
		a.DestRecipient,
		a.AdapterParams,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: insert: %w", err)
	}
	return rec, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Record, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE id = $1 FOR UPDATE`
	return scanRecord(tx.QueryRow(ctx, query, id))
}

func (r *Repository) Get(ctx context.Context, id int64) (Record, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE id = $1`
	return scanRecord(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) SetProof(ctx context.Context, tx pgx.Tx, id int64, proofRef string, next State) error {
	tag, err := tx.Exec(ctx,
		`UPDATE escrows SET state = $1::escrow_state, proof_ref = $2 WHERE id = $3 AND proof_ref IS NULL`,
		string(next), proofRef, id,
	)
	if err != nil {
		return fmt.Errorf("escrow: set proof: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: proof already stored", ErrWrongState)
	}
	return nil
}

func (r *Repository) SetState(ctx context.Context, tx pgx.Tx, id int64, next State) error {
	tag, err := tx.Exec(ctx,
		`UPDATE escrows SET state = $1::escrow_state WHERE id = $2`,
		string(next), id,
	)
	if err != nil {
		return fmt.Errorf("escrow: set state: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) LinkDispute(ctx context.Context, tx pgx.Tx, id int64, disputeID uuid.UUID, next State) error {
	tag, err := tx.Exec(ctx,
		`UPDATE escrows SET state = $1::escrow_state, dispute_id = $2 WHERE id = $3 AND dispute_id IS NULL`,
		string(next), disputeID, id,
	)
	if err != nil {
		return fmt.Errorf("escrow: link dispute: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: dispute already linked", ErrWrongState)
	}
	return nil
}

func (r *Repository) InsertPayout(ctx context.Context, tx pgx.Tx, p Payout) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO payouts (escrow_id, kind, recipient, amount) VALUES ($1, $2, $3, $4::numeric)`,
		p.EscrowID, string(p.Kind), p.Recipient, p.Amount.String(),
	)
	if err != nil {
		return fmt.Errorf("escrow: insert payout %s: %w", p.Kind, err)
	}
	return nil
}

func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, escrowID int64, eventType string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal event payload: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO escrow_events (escrow_id, type, payload) VALUES ($1, $2, $3::jsonb)`,
		escrowID, eventType, string(body),
	); err != nil {
		return fmt.Errorf("escrow: append event: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec              Record
		holder, provider string
		amount           string
		nonce            int64
		destNetwork      int64
		funded, proof    time.Time
		deadline         time.Time
		state            string
		proofRef         *string
		disputeID        *uuid.UUID
	)

	err := row.Scan(
		&rec.ID, &holder, &provider, &amount,
		&funded, &proof, &nonce, &deadline,
		&destNetwork, &rec.Agreement.DestRecipient, &rec.Agreement.AdapterParams,
		&state, &proofRef, &disputeID, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: scan: %w", err)
	}

	if rec.Agreement.Holder, err = agreement.ParseIdentity(holder); err != nil {
		return Record{}, fmt.Errorf("escrow: stored holder: %w", err)
	}
	if rec.Agreement.Provider, err = agreement.ParseIdentity(provider); err != nil {
		return Record{}, fmt.Errorf("escrow: stored provider: %w", err)
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return Record{}, fmt.Errorf("escrow: malformed stored amount %q", amount)
	}
	rec.Agreement.Amount = value
	rec.Agreement.FundedTimeout = funded.UTC()
	rec.Agreement.ProofTimeout = proof.UTC()
	rec.Agreement.Deadline = deadline.UTC()
	rec.Agreement.Nonce = uint64(nonce)
	rec.Agreement.DestNetwork = uint64(destNetwork)
	rec.State = State(state)
	if proofRef != nil {
		rec.ProofRef = *proofRef
	}
	rec.DisputeID = disputeID

	return rec, nil
}
