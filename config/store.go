package config

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/agreement"
)

// Loader yields the current parameter set. Implementations must return the
// latest committed value on every call rather than a cached snapshot.
type Loader interface {
	Load(ctx context.Context) (Config, error)
}

// Store reads and writes the single governed config row in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgxpool-backed config store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Load fetches the current parameter set. The row is tiny and hot; reading it
// fresh per operation keeps externally applied updates visible immediately.
func (s *Store) Load(ctx context.Context) (Config, error) {
	const query = `
		SELECT version, base_fee_bps, min_fee::text, max_fee::text,
		       dispute_fee_bps, min_dispute_fee::text,
		       min_timeout_seconds, max_timeout_seconds, fee_recipient
		FROM protocol_config
		WHERE singleton
	`

	var (
		cfg                    Config
		minFee, maxFee, minDis string
		minSecs, maxSecs       int64
		recipient              string
	)
	err := s.pool.QueryRow(ctx, query).Scan(
		&cfg.Version, &cfg.BaseFeeBps, &minFee, &maxFee,
		&cfg.DisputeFeeBps, &minDis, &minSecs, &maxSecs, &recipient,
	)
	if err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}

	if cfg.MinFee, err = parseAmount(minFee); err != nil {
		return Config{}, err
	}
	if cfg.MaxFee, err = parseAmount(maxFee); err != nil {
		return Config{}, err
	}
	if cfg.MinDisputeFee, err = parseAmount(minDis); err != nil {
		return Config{}, err
	}
	cfg.MinTimeout = time.Duration(minSecs) * time.Second
	cfg.MaxTimeout = time.Duration(maxSecs) * time.Second
	if cfg.FeeRecipient, err = agreement.ParseIdentity(recipient); err != nil {
		return Config{}, fmt.Errorf("config: fee recipient: %w", err)
	}

	return cfg, nil
}

// Update replaces the parameter set and bumps its version. Authorization is
// the governance boundary's job; by the time Update runs the caller has
// already been admitted.
func (s *Store) Update(ctx context.Context, cfg Config) (Config, error) {
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	const query = `
		UPDATE protocol_config
		SET version = version + 1,
		    base_fee_bps = $1,
		    min_fee = $2::numeric,
		    max_fee = $3::numeric,
		    dispute_fee_bps = $4,
		    min_dispute_fee = $5::numeric,
		    min_timeout_seconds = $6,
		    max_timeout_seconds = $7,
		    fee_recipient = $8,
		    updated_at = now()
		WHERE singleton
		RETURNING version
	`

	err := s.pool.QueryRow(ctx, query,
		cfg.BaseFeeBps,
		cfg.MinFee.String(),
		cfg.MaxFee.String(),
		cfg.DisputeFeeBps,
		cfg.MinDisputeFee.String(),
		int64(cfg.MinTimeout/time.Second),
		int64(cfg.MaxTimeout/time.Second),
		cfg.FeeRecipient.String(),
	).Scan(&cfg.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, fmt.Errorf("config: singleton row missing; run migrations")
		}
		return Config{}, fmt.Errorf("config: update: %w", err)
	}

	return cfg, nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("config: malformed amount %q", s)
	}
	return v, nil
}
