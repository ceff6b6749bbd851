// Package nonce provides per-signer replay protection. A (signer, nonce)
// pair backs at most one accepted agreement, ever.
package nonce

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"escrowflow/agreement"
)

// Claimer atomically claims a (signer, nonce) pair inside the caller's
// transaction. It returns false, without mutating anything, when the pair was
// already claimed. Claims commit or roll back with the surrounding
// transaction, so a failed escrow creation never burns a nonce.
type Claimer interface {
	Claim(ctx context.Context, tx pgx.Tx, signer agreement.Identity, nonce uint64) (bool, error)
}

// Registry is the Postgres-backed claimer. The (signer, nonce) primary key
// makes the insert a compare-and-swap: concurrent claims of the same pair
// race on the index and exactly one insert wins.
type Registry struct{}

// NewRegistry returns the Postgres-backed claimer.
func NewRegistry() *Registry {
	return &Registry{}
}

// Claim reserves the pair via INSERT ... ON CONFLICT DO NOTHING and reports
// whether this call was the one that inserted it.
func (r *Registry) Claim(ctx context.Context, tx pgx.Tx, signer agreement.Identity, nonce uint64) (bool, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO nonces (signer, nonce) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		signer.String(), int64(nonce),
	)
	if err != nil {
		return false, fmt.Errorf("nonce: claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MemRegistry is an in-process claimer with the same semantics, for tests
// and single-process embedding. It ignores the transaction argument, so its
// claims are not rolled back with the caller; use Forget to undo.
type MemRegistry struct {
	mu      sync.Mutex
	claimed map[claimKey]struct{}
}

type claimKey struct {
	signer agreement.Identity
	nonce  uint64
}

// NewMemRegistry returns an empty in-memory claimer.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{claimed: make(map[claimKey]struct{})}
}

func (m *MemRegistry) Claim(_ context.Context, _ pgx.Tx, signer agreement.Identity, nonce uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := claimKey{signer: signer, nonce: nonce}
	if _, ok := m.claimed[key]; ok {
		return false, nil
	}
	m.claimed[key] = struct{}{}
	return true, nil
}

// Forget releases a pair claimed earlier. Callers that fail after claiming
// use it to restore all-or-nothing behavior in-process.
func (m *MemRegistry) Forget(signer agreement.Identity, nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, claimKey{signer: signer, nonce: nonce})
}
