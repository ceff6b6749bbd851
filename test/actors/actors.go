// Package actors drives the escrow services the way hostile concurrent
// clients would: racing creations, duplicate nonces, complete-versus-dispute
// contention. Actors loop until stopped and report only errors that mean an
// invariant broke.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/agreement"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/signer"
)

// Party is a keypair acting as holder or provider.
type Party struct {
	Key *secp256k1.PrivateKey
	ID  agreement.Identity
}

// NewParty generates a fresh keypair.
func NewParty() (Party, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return Party{}, fmt.Errorf("generate key: %w", err)
	}
	return Party{Key: key, ID: signer.IdentityFromPub(key.PubKey())}, nil
}

// Env bundles the services and signing domain the actors share.
type Env struct {
	Escrows  *escrow.Service
	Disputes *dispute.Service
	Domain   agreement.Domain
}

// BridgeNetwork is the destination network id some submissions target so
// settlement exercises the bridge payout legs. The env's adapter must
// carry a quote for it.
const BridgeNetwork uint64 = 137

// Submission is a fully signed escrow creation request.
type Submission struct {
	Encoded     []byte
	HolderSig   []byte
	ProviderSig []byte
	Amount      *big.Int
}

// NewSubmission signs an agreement between the two parties for a random
// amount. Fresh parties start at nonce 1.
func (e *Env) NewSubmission(holder, provider Party, nonce uint64) (Submission, error) {
	amount := new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil)
	amount.Mul(amount, big.NewInt(int64(1+rand.Intn(100))))

	now := time.Now().UTC()
	a := agreement.Agreement{
		Holder:        holder.ID,
		Provider:      provider.ID,
		Amount:        amount,
		FundedTimeout: now.Add(2 * time.Hour),
		ProofTimeout:  now.Add(4 * time.Hour),
		Nonce:         nonce,
		Deadline:      now.Add(time.Hour),
	}
	if rand.Intn(4) == 0 {
		a.DestNetwork = BridgeNetwork
		a.DestRecipient = holder.ID[:]
	}

	encoded, err := agreement.Encode(a)
	if err != nil {
		return Submission{}, fmt.Errorf("encode: %w", err)
	}
	digest := agreement.Digest(a, e.Domain)
	return Submission{
		Encoded:     encoded,
		HolderSig:   signer.Sign(digest, holder.Key),
		ProviderSig: signer.Sign(digest, provider.Key),
		Amount:      amount,
	}, nil
}

func (e *Env) createFresh(ctx context.Context) (escrow.Record, Party, Party, error) {
	holder, err := NewParty()
	if err != nil {
		return escrow.Record{}, Party{}, Party{}, err
	}
	provider, err := NewParty()
	if err != nil {
		return escrow.Record{}, Party{}, Party{}, err
	}
	sub, err := e.NewSubmission(holder, provider, 1)
	if err != nil {
		return escrow.Record{}, Party{}, Party{}, err
	}
	rec, err := e.Escrows.Create(ctx, sub.Encoded, sub.HolderSig, sub.ProviderSig, sub.Amount)
	if err != nil {
		return escrow.Record{}, Party{}, Party{}, fmt.Errorf("create: %w", err)
	}
	return rec, holder, provider, nil
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// transient reports errors the chaos actor legitimately causes: cancelled
// contexts and connections killed mid-flight. Everything else is a finding.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 57P01 admin shutdown, 57014 query cancelled
		return pgErr.Code == "57P01" || pgErr.Code == "57014"
	}
	msg := err.Error()
	return pgconn.SafeToRetry(err) ||
		strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "connection reset")
}

// loop runs one actor iteration at a time, skipping transient failures.
func loop(ctx context.Context, stop <-chan struct{}, pause time.Duration, once func(context.Context) error) error {
	for !stopped(ctx, stop) {
		if err := once(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !transient(err) {
				return err
			}
		}
		time.Sleep(pause + time.Duration(rand.Intn(30))*time.Millisecond)
	}
	return nil
}

// Lifecycle runs the happy path end to end: create, proof, complete.
func Lifecycle(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, 10*time.Millisecond, func(ctx context.Context) error {
		rec, holder, provider, err := env.createFresh(ctx)
		if err != nil {
			return err
		}
		if _, err := env.Escrows.ProvideProof(ctx, rec.ID, provider.ID, fmt.Sprintf("proof-%d", rec.ID)); err != nil {
			return fmt.Errorf("lifecycle proof: %w", err)
		}
		if _, err := env.Escrows.Complete(ctx, rec.ID, holder.ID); err != nil {
			return fmt.Errorf("lifecycle complete: %w", err)
		}
		return nil
	})
}

// NonceContention races n submissions of the same signed agreement and fails
// unless at most one wins while the rest see the nonce as spent.
func NonceContention(ctx context.Context, env *Env, n int, stop <-chan struct{}) error {
	return loop(ctx, stop, 20*time.Millisecond, func(ctx context.Context) error {
		holder, err := NewParty()
		if err != nil {
			return err
		}
		provider, err := NewParty()
		if err != nil {
			return err
		}
		sub, err := env.NewSubmission(holder, provider, 1)
		if err != nil {
			return err
		}

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			surprises []error
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := env.Escrows.Create(ctx, sub.Encoded, sub.HolderSig, sub.ProviderSig, sub.Amount)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, escrow.ErrNonceReused) || transient(err):
				default:
					surprises = append(surprises, err)
				}
			}()
		}
		wg.Wait()

		if len(surprises) > 0 {
			return fmt.Errorf("nonce race: unexpected error: %w", surprises[0])
		}
		if wins > 1 {
			return fmt.Errorf("nonce race: %d submissions won for one nonce", wins)
		}
		return nil
	})
}

// DisputeFlow escalates escrows and resolves them with random rulings.
func DisputeFlow(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, 30*time.Millisecond, func(ctx context.Context) error {
		rec, holder, provider, err := env.createFresh(ctx)
		if err != nil {
			return err
		}

		// Alternate between provider disputes from funded and holder
		// disputes after proof.
		initiator := provider.ID
		if rand.Intn(2) == 0 {
			if _, err := env.Escrows.ProvideProof(ctx, rec.ID, provider.ID, fmt.Sprintf("proof-%d", rec.ID)); err != nil {
				return fmt.Errorf("dispute flow proof: %w", err)
			}
			initiator = holder.ID
		}

		breakdown, err := env.Escrows.QuoteEncoded(ctx, mustEncode(rec.Agreement))
		if err != nil {
			return fmt.Errorf("dispute flow quote: %w", err)
		}

		d, err := env.Disputes.Create(ctx, rec.ID, initiator, "stress-evidence", breakdown.MaxDisputeCost)
		if err != nil {
			return fmt.Errorf("dispute flow create: %w", err)
		}

		ruling := escrow.RulingHolder
		if rand.Intn(2) == 0 {
			ruling = escrow.RulingProvider
		}
		if _, err := env.Disputes.Resolve(ctx, d.ID, ruling, "stress ruling"); err != nil && !errors.Is(err, dispute.ErrAlreadyResolved) {
			return fmt.Errorf("dispute flow resolve: %w", err)
		}
		return nil
	})
}

// CompleteVsDispute races a holder completing against the same holder
// disputing from proof_sent. Only one path may settle the escrow.
func CompleteVsDispute(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, 20*time.Millisecond, func(ctx context.Context) error {
		rec, holder, provider, err := env.createFresh(ctx)
		if err != nil {
			return err
		}
		if _, err := env.Escrows.ProvideProof(ctx, rec.ID, provider.ID, fmt.Sprintf("proof-%d", rec.ID)); err != nil {
			return fmt.Errorf("race proof: %w", err)
		}
		breakdown, err := env.Escrows.QuoteEncoded(ctx, mustEncode(rec.Agreement))
		if err != nil {
			return fmt.Errorf("race quote: %w", err)
		}

		var (
			wg                      sync.WaitGroup
			completeErr, disputeErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, completeErr = env.Escrows.Complete(ctx, rec.ID, holder.ID)
		}()
		go func() {
			defer wg.Done()
			_, disputeErr = env.Disputes.Create(ctx, rec.ID, holder.ID, "race-evidence", breakdown.MaxDisputeCost)
		}()
		wg.Wait()

		if transient(completeErr) || transient(disputeErr) {
			return nil
		}
		completeWon := completeErr == nil
		disputeWon := disputeErr == nil
		if completeWon && disputeWon {
			return fmt.Errorf("escrow %d settled by both complete and dispute", rec.ID)
		}
		if !completeWon && !errors.Is(completeErr, escrow.ErrWrongState) {
			return fmt.Errorf("race complete: %w", completeErr)
		}
		if !disputeWon && !errors.Is(disputeErr, escrow.ErrWrongState) {
			return fmt.Errorf("race dispute: %w", disputeErr)
		}
		return nil
	})
}

func mustEncode(a agreement.Agreement) []byte {
	encoded, err := agreement.Encode(a)
	if err != nil {
		panic(err)
	}
	return encoded
}
