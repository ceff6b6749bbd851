package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/rs/zerolog"

	"escrowflow/agreement"
	"escrowflow/bridge"
	"escrowflow/config"
	"escrowflow/fees"
	"escrowflow/nonce"
	"escrowflow/signer"
)

func exp10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	return config.Config{
		Version:       1,
		BaseFeeBps:    500,
		MinFee:        exp10(15),
		MaxFee:        exp10(18),
		DisputeFeeBps: 100,
		MinDisputeFee: exp10(14),
		MinTimeout:    time.Hour,
		MaxTimeout:    30 * 24 * time.Hour,
		FeeRecipient:  agreement.Identity{0xfe},
	}
}

type harness struct {
	svc         *Service
	pool        *fakePool
	store       *memStore
	rec         *captureRecorder
	holderKey   *secp256k1.PrivateKey
	providerKey *secp256k1.PrivateKey
	holder      agreement.Identity
	provider    agreement.Identity
	domain      agreement.Domain
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	holderKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate holder key: %v", err)
	}
	providerKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate provider key: %v", err)
	}

	h := &harness{
		pool:        &fakePool{},
		store:       newMemStore(),
		rec:         newCaptureRecorder(),
		holderKey:   holderKey,
		providerKey: providerKey,
		holder:      signer.IdentityFromPub(holderKey.PubKey()),
		provider:    signer.IdentityFromPub(providerKey.PubKey()),
		domain: agreement.Domain{
			Name:      "escrowflow",
			Version:   "1",
			NetworkID: 1,
			Verifier:  agreement.Identity{0xec},
		},
	}

	adapter := bridge.NewStaticAdapter(map[uint64]bridge.Quote{
		137: {BridgeFee: exp10(15), DestinationGas: exp10(14)},
	})

	h.svc = NewService(h.pool, h.store, nonce.NewMemRegistry(), &staticConfig{cfg: testConfig()}, adapter, h.rec, h.domain, zerolog.Nop())
	h.svc.now = func() time.Time { return testNow }
	return h
}

func (h *harness) agreement(nonceVal uint64) agreement.Agreement {
	return agreement.Agreement{
		Holder:        h.holder,
		Provider:      h.provider,
		Amount:        exp10(18),
		FundedTimeout: testNow.Add(2 * time.Hour),
		ProofTimeout:  testNow.Add(4 * time.Hour),
		Nonce:         nonceVal,
		Deadline:      testNow.Add(30 * time.Minute),
	}
}

// signedSubmission encodes and double-signs an agreement the way clients do.
func (h *harness) signedSubmission(t *testing.T, a agreement.Agreement) (encoded, holderSig, providerSig []byte) {
	t.Helper()
	encoded, err := agreement.Encode(a)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	digest := agreement.Digest(a, h.domain)
	return encoded, signer.Sign(digest, h.holderKey), signer.Sign(digest, h.providerKey)
}

func (h *harness) mustCreate(t *testing.T, a agreement.Agreement) Record {
	t.Helper()
	encoded, hs, ps := h.signedSubmission(t, a)
	rec, err := h.svc.Create(context.Background(), encoded, hs, ps, a.Amount)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return rec
}

func TestCreate_Funded(t *testing.T) {
	h := newHarness(t)
	rec := h.mustCreate(t, h.agreement(1))

	if rec.State != StateFunded {
		t.Fatalf("expected funded state, got %s", rec.State)
	}
	if rec.ID != 1 {
		t.Fatalf("expected first sequential id, got %d", rec.ID)
	}
	if !h.pool.tx.committed {
		t.Fatalf("expected create transaction to commit")
	}

	second := h.mustCreate(t, h.agreement(2))
	if second.ID != 2 {
		t.Fatalf("expected sequential ids, got %d", second.ID)
	}
}

func TestCreate_Expired(t *testing.T) {
	h := newHarness(t)
	a := h.agreement(1)
	a.Deadline = testNow.Add(-time.Second)

	encoded, hs, ps := h.signedSubmission(t, a)
	if _, err := h.svc.Create(context.Background(), encoded, hs, ps, a.Amount); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if h.pool.tx != nil {
		t.Fatalf("expired agreement should be rejected before any transaction")
	}
}

func TestCreate_InvalidTimeouts(t *testing.T) {
	h := newHarness(t)

	cases := map[string]func(a *agreement.Agreement){
		"funded below minimum": func(a *agreement.Agreement) {
			a.FundedTimeout = testNow.Add(30 * time.Minute)
		},
		"proof above maximum": func(a *agreement.Agreement) {
			a.ProofTimeout = testNow.Add(31 * 24 * time.Hour)
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			a := h.agreement(1)
			mutate(&a)
			encoded, hs, ps := h.signedSubmission(t, a)
			if _, err := h.svc.Create(context.Background(), encoded, hs, ps, a.Amount); !errors.Is(err, ErrInvalidTimeout) {
				t.Fatalf("expected ErrInvalidTimeout, got %v", err)
			}
		})
	}
}

func TestCreate_DepositMismatch(t *testing.T) {
	h := newHarness(t)
	a := h.agreement(1)
	encoded, hs, ps := h.signedSubmission(t, a)

	short := new(big.Int).Sub(a.Amount, big.NewInt(1))
	if _, err := h.svc.Create(context.Background(), encoded, hs, ps, short); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := h.svc.Create(context.Background(), encoded, hs, ps, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil deposit, got %v", err)
	}
}

func TestCreate_SwappedSignatures(t *testing.T) {
	h := newHarness(t)
	a := h.agreement(1)
	encoded, hs, ps := h.signedSubmission(t, a)

	if _, err := h.svc.Create(context.Background(), encoded, ps, hs, a.Amount); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for swapped slots, got %v", err)
	}
	if len(h.store.records) != 0 {
		t.Fatalf("rejected agreement must not create an escrow")
	}
}

func TestCreate_NonceReused(t *testing.T) {
	h := newHarness(t)
	h.mustCreate(t, h.agreement(7))

	// Same nonce under the same signers, different amount: still a replay.
	a := h.agreement(7)
	a.Amount = exp10(17)
	encoded, hs, ps := h.signedSubmission(t, a)
	if _, err := h.svc.Create(context.Background(), encoded, hs, ps, a.Amount); !errors.Is(err, ErrNonceReused) {
		t.Fatalf("expected ErrNonceReused, got %v", err)
	}
	if !h.pool.tx.rolled || h.pool.tx.committed {
		t.Fatalf("nonce replay must roll back, commit=%v rollback=%v", h.pool.tx.committed, h.pool.tx.rolled)
	}
	if len(h.store.records) != 1 {
		t.Fatalf("replayed agreement must not create a second escrow")
	}
}

func TestCreate_FeeExceedsAmount(t *testing.T) {
	h := newHarness(t)
	a := h.agreement(1)
	a.Amount = exp10(15) // equals the configured fee floor

	encoded, hs, ps := h.signedSubmission(t, a)
	if _, err := h.svc.Create(context.Background(), encoded, hs, ps, a.Amount); !errors.Is(err, fees.ErrFeeExceedsAmount) {
		t.Fatalf("expected ErrFeeExceedsAmount, got %v", err)
	}
	if !h.pool.tx.rolled {
		t.Fatalf("fee rejection after nonce claims must roll back the transaction")
	}
	if len(h.store.records) != 0 {
		t.Fatalf("infeasible agreement must not create an escrow")
	}
}

func TestProvideProof(t *testing.T) {
	h := newHarness(t)
	rec := h.mustCreate(t, h.agreement(1))

	if _, err := h.svc.ProvideProof(context.Background(), rec.ID, h.holder, "ipfs://proof"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for holder, got %v", err)
	}

	updated, err := h.svc.ProvideProof(context.Background(), rec.ID, h.provider, "ipfs://proof")
	if err != nil {
		t.Fatalf("provide proof: %v", err)
	}
	if updated.State != StateProofSent || updated.ProofRef != "ipfs://proof" {
		t.Fatalf("unexpected record after proof: %+v", updated)
	}

	// Proof is set once; a second submission finds the wrong state.
	if _, err := h.svc.ProvideProof(context.Background(), rec.ID, h.provider, "ipfs://other"); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState on second proof, got %v", err)
	}

	if _, err := h.svc.ProvideProof(context.Background(), 999, h.provider, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestComplete_WithoutProof(t *testing.T) {
	h := newHarness(t)
	rec := h.mustCreate(t, h.agreement(1))

	if _, err := h.svc.Complete(context.Background(), rec.ID, h.holder); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState for complete from funded, got %v", err)
	}
}

func TestComplete_NormalPath(t *testing.T) {
	h := newHarness(t)
	rec := h.mustCreate(t, h.agreement(1))
	if _, err := h.svc.ProvideProof(context.Background(), rec.ID, h.provider, "proof-1"); err != nil {
		t.Fatalf("provide proof: %v", err)
	}

	done, err := h.svc.Complete(context.Background(), rec.ID, h.holder)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.State != StateComplete {
		t.Fatalf("expected complete state, got %s", done.State)
	}

	payouts := h.store.payoutsFor(rec.ID)
	wantNet := new(big.Int).Mul(big.NewInt(95), exp10(16))
	wantFee := new(big.Int).Mul(big.NewInt(5), exp10(16))
	if p := payouts[PayoutProviderNet]; p.Amount == nil || p.Amount.Cmp(wantNet) != 0 {
		t.Fatalf("provider net payout: %+v, want %s", p, wantNet)
	}
	if p := payouts[PayoutEscrowFee]; p.Amount == nil || p.Amount.Cmp(wantFee) != 0 {
		t.Fatalf("escrow fee payout: %+v, want %s", p, wantFee)
	}
	if _, ok := payouts[PayoutBridgeFee]; ok {
		t.Fatalf("same-network completion must not pay the bridge")
	}

	if h.rec.outcomes[h.provider.String()] != "completed" || h.rec.outcomes[h.holder.String()] != "completed" {
		t.Fatalf("expected completion outcomes recorded, got %+v", h.rec.outcomes)
	}

	// Terminal state: no further transitions.
	if _, err := h.svc.Complete(context.Background(), rec.ID, h.holder); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState on double complete, got %v", err)
	}
	if _, err := h.svc.ProvideProof(context.Background(), rec.ID, h.provider, "late"); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState for proof after completion, got %v", err)
	}
}

func TestComplete_PermissionlessAfterProofTimeout(t *testing.T) {
	h := newHarness(t)
	rec := h.mustCreate(t, h.agreement(1))
	if _, err := h.svc.ProvideProof(context.Background(), rec.ID, h.provider, "proof-1"); err != nil {
		t.Fatalf("provide proof: %v", err)
	}

	stranger := agreement.Identity{0x99}
	if _, err := h.svc.Complete(context.Background(), rec.ID, stranger); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized before proof timeout, got %v", err)
	}

	h.svc.now = func() time.Time { return testNow.Add(5 * time.Hour) }
	done, err := h.svc.Complete(context.Background(), rec.ID, stranger)
	if err != nil {
		t.Fatalf("permissionless complete after proof timeout: %v", err)
	}
	if done.State != StateComplete {
		t.Fatalf("expected complete state, got %s", done.State)
	}
}

func TestComplete_CrossNetwork(t *testing.T) {
	h := newHarness(t)
	a := h.agreement(1)
	a.DestNetwork = 137
	a.DestRecipient = []byte{0x01, 0x02}
	rec := h.mustCreate(t, a)
	if _, err := h.svc.ProvideProof(context.Background(), rec.ID, h.provider, "proof-1"); err != nil {
		t.Fatalf("provide proof: %v", err)
	}

	if _, err := h.svc.Complete(context.Background(), rec.ID, h.holder); err != nil {
		t.Fatalf("complete: %v", err)
	}

	payouts := h.store.payoutsFor(rec.ID)
	if _, ok := payouts[PayoutBridgeFee]; !ok {
		t.Fatalf("cross-network completion must record the bridge fee")
	}
	if _, ok := payouts[PayoutDestinationGas]; !ok {
		t.Fatalf("cross-network completion must record destination gas")
	}

	sum := new(big.Int).Set(payouts[PayoutProviderNet].Amount)
	sum.Add(sum, payouts[PayoutEscrowFee].Amount)
	sum.Add(sum, payouts[PayoutBridgeFee].Amount)
	sum.Add(sum, payouts[PayoutDestinationGas].Amount)
	if sum.Cmp(a.Amount) != 0 {
		t.Fatalf("payouts must sum to the custodied amount: %s != %s", sum, a.Amount)
	}
}

func TestComplete_ReputationFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	h.rec.err = errors.New("oracle down")

	rec := h.mustCreate(t, h.agreement(1))
	if _, err := h.svc.ProvideProof(context.Background(), rec.ID, h.provider, "proof-1"); err != nil {
		t.Fatalf("provide proof: %v", err)
	}
	if _, err := h.svc.Complete(context.Background(), rec.ID, h.holder); err != nil {
		t.Fatalf("reputation failure must not fail completion: %v", err)
	}
}
