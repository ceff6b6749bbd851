package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"escrowflow/agreement"
)

func (h *harness) beginTx(t *testing.T) *fakeTx {
	t.Helper()
	tx, err := h.pool.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return tx.(*fakeTx)
}

func (h *harness) disputeFee(a *big.Int) *big.Int {
	// 100 bps with a 10^14 floor, per testConfig.
	fee := new(big.Int).Div(new(big.Int).Mul(a, big.NewInt(100)), big.NewInt(10_000))
	if floor := exp10(14); fee.Cmp(floor) < 0 {
		fee = floor
	}
	return fee
}

func TestOpenDispute_ProviderFromFunded(t *testing.T) {
	h := newHarness(t)
	rec := h.mustCreate(t, h.agreement(1))
	tx := h.beginTx(t)

	disputeID := uuid.New()
	updated, err := h.svc.OpenDispute(context.Background(), tx, rec.ID, h.provider, h.disputeFee(rec.Agreement.Amount), disputeID)
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if updated.State != StateProviderDisputed {
		t.Fatalf("expected provider_disputed, got %s", updated.State)
	}
	if updated.DisputeID == nil || *updated.DisputeID != disputeID {
		t.Fatalf("dispute id not linked: %+v", updated.DisputeID)
	}
}

func TestOpenDispute_HolderNeedsProof(t *testing.T) {
	h := newHarness(t)
	rec := h.mustCreate(t, h.agreement(1))

	// Holder cannot dispute before the provider submits proof.
	tx := h.beginTx(t)
	if _, err := h.svc.OpenDispute(context.Background(), tx, rec.ID, h.holder, h.disputeFee(rec.Agreement.Amount), uuid.New()); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState for holder dispute from funded, got %v", err)
	}

	if _, err := h.svc.ProvideProof(context.Background(), rec.ID, h.provider, "proof-1"); err != nil {
		t.Fatalf("provide proof: %v", err)
	}

	tx = h.beginTx(t)
	updated, err := h.svc.OpenDispute(context.Background(), tx, rec.ID, h.holder, h.disputeFee(rec.Agreement.Amount), uuid.New())
	if err != nil {
		t.Fatalf("holder dispute after proof: %v", err)
	}
	if updated.State != StateHolderDisputed {
		t.Fatalf("expected holder_disputed, got %s", updated.State)
	}

	// Provider cannot dispute once proof is in either.
	if _, err := h.svc.ProvideProof(context.Background(), rec.ID, h.provider, "late"); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
}

func TestOpenDispute_Rejections(t *testing.T) {
	h := newHarness(t)
	rec := h.mustCreate(t, h.agreement(1))

	tx := h.beginTx(t)
	stranger := agreement.Identity{0x42}
	if _, err := h.svc.OpenDispute(context.Background(), tx, rec.ID, stranger, h.disputeFee(rec.Agreement.Amount), uuid.New()); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState for non-party, got %v", err)
	}

	low := big.NewInt(1)
	if _, err := h.svc.OpenDispute(context.Background(), tx, rec.ID, h.provider, low, uuid.New()); !errors.Is(err, ErrInsufficientDisputeFee) {
		t.Fatalf("expected ErrInsufficientDisputeFee, got %v", err)
	}
	if _, err := h.svc.OpenDispute(context.Background(), tx, rec.ID, h.provider, nil, uuid.New()); !errors.Is(err, ErrInsufficientDisputeFee) {
		t.Fatalf("expected ErrInsufficientDisputeFee for nil fee, got %v", err)
	}
}

func TestApplyRuling_HolderWins(t *testing.T) {
	h := newHarness(t)
	rec := h.mustCreate(t, h.agreement(1))
	if _, err := h.svc.ProvideProof(context.Background(), rec.ID, h.provider, "proof-1"); err != nil {
		t.Fatalf("provide proof: %v", err)
	}

	fee := h.disputeFee(rec.Agreement.Amount)
	tx := h.beginTx(t)
	if _, err := h.svc.OpenDispute(context.Background(), tx, rec.ID, h.holder, fee, uuid.New()); err != nil {
		t.Fatalf("open dispute: %v", err)
	}

	settlement, err := h.svc.ApplyRuling(context.Background(), tx, rec.ID, RulingHolder, h.holder, fee)
	if err != nil {
		t.Fatalf("apply ruling: %v", err)
	}
	if settlement.Winner != h.holder || settlement.Loser != h.provider {
		t.Fatalf("unexpected settlement: %+v", settlement)
	}

	payouts := h.store.payoutsFor(rec.ID)
	escrowFee := new(big.Int).Mul(big.NewInt(5), exp10(16))
	wantRefund := new(big.Int).Sub(rec.Agreement.Amount, escrowFee)
	if p := payouts[PayoutHolderRefund]; p.Amount == nil || p.Amount.Cmp(wantRefund) != 0 {
		t.Fatalf("holder refund: %+v, want %s", p, wantRefund)
	}
	if p := payouts[PayoutEscrowFee]; p.Amount == nil || p.Amount.Cmp(escrowFee) != 0 {
		t.Fatalf("escrow fee: %+v, want %s", p, escrowFee)
	}
	// The winning initiator gets the dispute fee back.
	if p := payouts[PayoutDisputeFeeRefund]; p.Amount == nil || p.Amount.Cmp(fee) != 0 {
		t.Fatalf("dispute fee refund: %+v, want %s", p, fee)
	}
	if _, ok := payouts[PayoutProviderNet]; ok {
		t.Fatalf("provider must not be paid when the holder wins")
	}

	got, err := h.svc.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateClosed {
		t.Fatalf("expected closed, got %s", got.State)
	}
}

func TestApplyRuling_ProviderWins_InitiatorForfeits(t *testing.T) {
	h := newHarness(t)
	rec := h.mustCreate(t, h.agreement(1))
	if _, err := h.svc.ProvideProof(context.Background(), rec.ID, h.provider, "proof-1"); err != nil {
		t.Fatalf("provide proof: %v", err)
	}

	fee := h.disputeFee(rec.Agreement.Amount)
	tx := h.beginTx(t)
	if _, err := h.svc.OpenDispute(context.Background(), tx, rec.ID, h.holder, fee, uuid.New()); err != nil {
		t.Fatalf("open dispute: %v", err)
	}

	settlement, err := h.svc.ApplyRuling(context.Background(), tx, rec.ID, RulingProvider, h.holder, fee)
	if err != nil {
		t.Fatalf("apply ruling: %v", err)
	}
	if settlement.Winner != h.provider || settlement.Loser != h.holder {
		t.Fatalf("unexpected settlement: %+v", settlement)
	}

	payouts := h.store.payoutsFor(rec.ID)
	wantNet := new(big.Int).Mul(big.NewInt(95), exp10(16))
	if p := payouts[PayoutProviderNet]; p.Amount == nil || p.Amount.Cmp(wantNet) != 0 {
		t.Fatalf("provider net: %+v, want %s", p, wantNet)
	}
	// The losing initiator forfeits the dispute fee to the fee recipient.
	if p := payouts[PayoutDisputeFeeForfeit]; p.Amount == nil || p.Amount.Cmp(fee) != 0 {
		t.Fatalf("dispute fee forfeit: %+v, want %s", p, fee)
	}
	if _, ok := payouts[PayoutDisputeFeeRefund]; ok {
		t.Fatalf("losing initiator must not be refunded")
	}
	if _, ok := payouts[PayoutHolderRefund]; ok {
		t.Fatalf("holder must not be refunded when the provider wins")
	}
}

func TestApplyRuling_ProviderWins_CrossNetwork(t *testing.T) {
	h := newHarness(t)
	a := h.agreement(1)
	a.DestNetwork = 137
	a.DestRecipient = []byte{0x01, 0x02}
	rec := h.mustCreate(t, a)

	fee := h.disputeFee(a.Amount)
	tx := h.beginTx(t)
	if _, err := h.svc.OpenDispute(context.Background(), tx, rec.ID, h.provider, fee, uuid.New()); err != nil {
		t.Fatalf("open dispute: %v", err)
	}

	if _, err := h.svc.ApplyRuling(context.Background(), tx, rec.ID, RulingProvider, h.provider, fee); err != nil {
		t.Fatalf("apply ruling: %v", err)
	}

	payouts := h.store.payoutsFor(rec.ID)
	if _, ok := payouts[PayoutBridgeFee]; !ok {
		t.Fatalf("cross-network ruling must record the bridge fee")
	}
	if _, ok := payouts[PayoutDestinationGas]; !ok {
		t.Fatalf("cross-network ruling must record destination gas")
	}

	// Principal legs sum to the custodied amount even when settlement
	// crosses the bridge.
	sum := new(big.Int).Set(payouts[PayoutProviderNet].Amount)
	sum.Add(sum, payouts[PayoutEscrowFee].Amount)
	sum.Add(sum, payouts[PayoutBridgeFee].Amount)
	sum.Add(sum, payouts[PayoutDestinationGas].Amount)
	if sum.Cmp(a.Amount) != 0 {
		t.Fatalf("payouts must sum to the custodied amount: %s != %s", sum, a.Amount)
	}
}

func TestApplyRuling_Rejections(t *testing.T) {
	h := newHarness(t)
	rec := h.mustCreate(t, h.agreement(1))

	tx := h.beginTx(t)
	if _, err := h.svc.ApplyRuling(context.Background(), tx, rec.ID, RulingHolder, h.holder, nil); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState for ruling on undisputed escrow, got %v", err)
	}
	if _, err := h.svc.ApplyRuling(context.Background(), tx, rec.ID, RulingNone, h.holder, nil); !errors.Is(err, ErrInvalidRuling) {
		t.Fatalf("expected ErrInvalidRuling, got %v", err)
	}
	if _, err := h.svc.ApplyRuling(context.Background(), tx, rec.ID, Ruling("split"), h.holder, nil); !errors.Is(err, ErrInvalidRuling) {
		t.Fatalf("expected ErrInvalidRuling for unknown ruling, got %v", err)
	}
}

func TestTransitions_TerminalStatesAdmitNothing(t *testing.T) {
	for _, from := range []State{StateComplete, StateClosed} {
		for _, role := range []Role{RoleHolder, RoleProvider, RoleArbiter} {
			for _, action := range []Action{ActionProvideProof, ActionComplete, ActionOpenDispute, ActionApplyRuling} {
				if _, ok := nextState(from, role, action); ok {
					t.Fatalf("terminal state %s admits %s by %s", from, action, role)
				}
			}
		}
	}
	if !StateComplete.Terminal() || !StateClosed.Terminal() {
		t.Fatalf("complete and closed must be terminal")
	}
	if StateFunded.Terminal() || StateProofSent.Terminal() || StateProviderDisputed.Terminal() {
		t.Fatalf("live states must not be terminal")
	}
}

func TestTransitions_DisputedStatesOnlyAdmitRuling(t *testing.T) {
	for _, from := range []State{StateProviderDisputed, StateHolderDisputed} {
		if !from.Disputed() {
			t.Fatalf("%s must report disputed", from)
		}
		next, ok := nextState(from, RoleArbiter, ActionApplyRuling)
		if !ok || next != StateClosed {
			t.Fatalf("%s must close via ruling, got %s ok=%v", from, next, ok)
		}
		for _, role := range []Role{RoleHolder, RoleProvider} {
			for _, action := range []Action{ActionProvideProof, ActionComplete, ActionOpenDispute} {
				if _, ok := nextState(from, role, action); ok {
					t.Fatalf("disputed state %s admits %s by %s", from, action, role)
				}
			}
		}
	}
}
