package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"escrowflow/agreement"
	"escrowflow/bridge"
	"escrowflow/config"
	"escrowflow/fees"
	"escrowflow/nonce"
	"escrowflow/reputation"
	"escrowflow/signer"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the persistence surface the state machine drives. All mutating
// methods run inside the caller's transaction so an operation either applies
// fully or not at all.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, a agreement.Agreement) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Record, error)
	Get(ctx context.Context, id int64) (Record, error)
	List(ctx context.Context, filters ListFilters) ([]Record, int, error)
	SetProof(ctx context.Context, tx pgx.Tx, id int64, proofRef string, next State) error
	SetState(ctx context.Context, tx pgx.Tx, id int64, next State) error
	LinkDispute(ctx context.Context, tx pgx.Tx, id int64, disputeID uuid.UUID, next State) error
	InsertPayout(ctx context.Context, tx pgx.Tx, p Payout) error
	AppendEvent(ctx context.Context, tx pgx.Tx, escrowID int64, eventType string, payload map[string]any) error
}

// Service owns every escrow record and is the only writer of escrow state.
// Racing operations on one id serialize on the row lock taken by
// GetForUpdate; the loser observes the new state and fails with
// ErrWrongState instead of overwriting.
type Service struct {
	pool   TxBeginner
	store  Store
	nonces nonce.Claimer
	cfg    config.Loader
	bridge bridge.Adapter
	rep    reputation.Recorder
	domain agreement.Domain
	log    zerolog.Logger
	now    func() time.Time
}

// NewService wires the state machine against its collaborators.
func NewService(pool TxBeginner, store Store, nonces nonce.Claimer, cfg config.Loader, bridgeAdapter bridge.Adapter, rec reputation.Recorder, domain agreement.Domain, log zerolog.Logger) *Service {
	return &Service{
		pool:   pool,
		store:  store,
		nonces: nonces,
		cfg:    cfg,
		bridge: bridgeAdapter,
		rep:    rec,
		domain: domain,
		log:    log,
		now:    time.Now,
	}
}

// Create validates a signed agreement and, if everything holds, custodies the
// deposit under a new escrow in state funded. Nothing persists on any
// failure: nonce claims ride the same transaction as the insert.
func (s *Service) Create(ctx context.Context, encoded []byte, holderSig, providerSig []byte, deposited *big.Int) (Record, error) {
	a, err := agreement.Decode(encoded)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: decode agreement: %w", err)
	}

	cfg, err := s.cfg.Load(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: load config: %w", err)
	}

	now := s.now()
	if now.After(a.Deadline) {
		return Record{}, ErrExpired
	}
	if err := checkTimeouts(a, cfg, now); err != nil {
		return Record{}, err
	}
	if deposited == nil || deposited.Cmp(a.Amount) != 0 {
		return Record{}, ErrInvalidAmount
	}

	digest := agreement.Digest(a, s.domain)
	if err := signer.VerifyBoth(digest, a.Holder, a.Provider, holderSig, providerSig); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, party := range []agreement.Identity{a.Holder, a.Provider} {
		ok, err := s.nonces.Claim(ctx, tx, party, a.Nonce)
		if err != nil {
			return Record{}, err
		}
		if !ok {
			return Record{}, fmt.Errorf("%w: %s nonce %d", ErrNonceReused, party, a.Nonce)
		}
	}

	// Pre-validate fee feasibility so an escrow that could never settle is
	// rejected before any funds are custodied.
	breakdown, err := s.quote(ctx, a, cfg)
	if err != nil {
		return Record{}, err
	}

	rec, err := s.store.Insert(ctx, tx, a)
	if err != nil {
		return Record{}, err
	}

	if err := s.store.AppendEvent(ctx, tx, rec.ID, "ESCROW_FUNDED", map[string]any{
		"holder":   a.Holder.String(),
		"provider": a.Provider.String(),
		"amount":   a.Amount.String(),
		"net":      breakdown.NetRecipientAmount.String(),
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit create: %w", err)
	}

	return rec, nil
}

// ProvideProof records the provider's off-chain work proof and moves the
// escrow to proof_sent. The reference is stored once and never overwritten.
func (s *Service) ProvideProof(ctx context.Context, id int64, caller agreement.Identity, proofRef string) (Record, error) {
	if proofRef == "" {
		return Record{}, fmt.Errorf("escrow: proof reference required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if caller != rec.Agreement.Provider {
		return Record{}, ErrNotAuthorized
	}
	next, ok := nextState(rec.State, RoleProvider, ActionProvideProof)
	if !ok {
		return Record{}, fmt.Errorf("%w: provide proof from %s", ErrWrongState, rec.State)
	}

	if err := s.store.SetProof(ctx, tx, id, proofRef, next); err != nil {
		return Record{}, err
	}
	if err := s.store.AppendEvent(ctx, tx, id, "PROOF_SUBMITTED", map[string]any{
		"proof_ref": proofRef,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit proof: %w", err)
	}

	rec.State = next
	rec.ProofRef = proofRef
	return rec, nil
}

// Complete settles the normal path: the provider receives the net amount and
// the fee recipient collects the escrow fee, cross-network funds going
// through the bridge. The holder may complete any time after proof; once the
// proof timeout elapses any caller may, so a vanished holder cannot strand
// the provider's payout.
func (s *Service) Complete(ctx context.Context, id int64, caller agreement.Identity) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}

	if _, ok := nextState(rec.State, RoleHolder, ActionComplete); !ok {
		return Record{}, fmt.Errorf("%w: complete from %s", ErrWrongState, rec.State)
	}
	if caller != rec.Agreement.Holder && !s.now().After(rec.Agreement.ProofTimeout) {
		return Record{}, ErrNotAuthorized
	}

	cfg, err := s.cfg.Load(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: load config: %w", err)
	}
	breakdown, err := s.quote(ctx, rec.Agreement, cfg)
	if err != nil {
		return Record{}, err
	}

	if err := s.payOut(ctx, tx, rec, cfg, breakdown); err != nil {
		return Record{}, err
	}

	if err := s.store.SetState(ctx, tx, id, StateComplete); err != nil {
		return Record{}, err
	}
	if err := s.store.AppendEvent(ctx, tx, id, "ESCROW_COMPLETED", map[string]any{
		"net":        breakdown.NetRecipientAmount.String(),
		"escrow_fee": breakdown.EscrowFee.String(),
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit complete: %w", err)
	}

	s.recordOutcome(ctx, rec.Agreement.Provider, reputation.OutcomeCompleted)
	s.recordOutcome(ctx, rec.Agreement.Holder, reputation.OutcomeCompleted)

	rec.State = StateComplete
	return rec, nil
}

// OpenDispute suspends settlement pending an external ruling. It runs inside
// the dispute coordinator's transaction so the dispute record and the state
// transition commit or roll back together. Only the provider may dispute
// from funded and only the holder from proof_sent.
func (s *Service) OpenDispute(ctx context.Context, tx pgx.Tx, id int64, initiator agreement.Identity, feePaid *big.Int, disputeID uuid.UUID) (Record, error) {
	rec, err := s.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}

	role, ok := rec.roleOf(initiator)
	if !ok {
		return Record{}, fmt.Errorf("%w: initiator is not a party", ErrWrongState)
	}
	next, ok := nextState(rec.State, role, ActionOpenDispute)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s dispute from %s", ErrWrongState, role, rec.State)
	}

	cfg, err := s.cfg.Load(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: load config: %w", err)
	}
	required := fees.DisputeCost(rec.Agreement.Amount, cfg)
	if feePaid == nil || feePaid.Cmp(required) < 0 {
		return Record{}, fmt.Errorf("%w: need %s", ErrInsufficientDisputeFee, required)
	}

	if err := s.store.LinkDispute(ctx, tx, id, disputeID, next); err != nil {
		return Record{}, err
	}
	if err := s.store.AppendEvent(ctx, tx, id, "DISPUTE_OPENED", map[string]any{
		"dispute_id": disputeID.String(),
		"initiator":  initiator.String(),
		"fee_paid":   feePaid.String(),
	}); err != nil {
		return Record{}, err
	}

	rec.State = next
	rec.DisputeID = &disputeID
	return rec, nil
}

// ApplyRuling settles a disputed escrow per the external ruling and closes
// it. Principal follows the ruling; only the dispute fee is at stake beyond
// the protocol fee: the initiator forfeits it on a loss and is refunded on a
// win. This is the only path out of a disputed state.
func (s *Service) ApplyRuling(ctx context.Context, tx pgx.Tx, id int64, ruling Ruling, initiator agreement.Identity, disputeFee *big.Int) (Settlement, error) {
	if ruling != RulingHolder && ruling != RulingProvider {
		return Settlement{}, ErrInvalidRuling
	}

	rec, err := s.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Settlement{}, err
	}
	if _, ok := nextState(rec.State, RoleArbiter, ActionApplyRuling); !ok {
		return Settlement{}, fmt.Errorf("%w: ruling from %s", ErrWrongState, rec.State)
	}

	cfg, err := s.cfg.Load(ctx)
	if err != nil {
		return Settlement{}, fmt.Errorf("escrow: load config: %w", err)
	}

	settlement, err := s.settleRuling(ctx, tx, rec, cfg, ruling, initiator, disputeFee)
	if err != nil {
		return Settlement{}, err
	}

	if err := s.store.SetState(ctx, tx, id, StateClosed); err != nil {
		return Settlement{}, err
	}
	if err := s.store.AppendEvent(ctx, tx, id, "DISPUTE_RULED", map[string]any{
		"ruling": string(ruling),
		"winner": settlement.Winner.String(),
	}); err != nil {
		return Settlement{}, err
	}

	return settlement, nil
}

// Get returns the escrow record for the public read surface.
func (s *Service) Get(ctx context.Context, id int64) (Record, error) {
	return s.store.Get(ctx, id)
}

// QuoteEncoded computes the cost breakdown for an encoded agreement under
// the current config without touching any state.
func (s *Service) QuoteEncoded(ctx context.Context, encoded []byte) (fees.Breakdown, error) {
	a, err := agreement.Decode(encoded)
	if err != nil {
		return fees.Breakdown{}, fmt.Errorf("escrow: decode agreement: %w", err)
	}
	cfg, err := s.cfg.Load(ctx)
	if err != nil {
		return fees.Breakdown{}, fmt.Errorf("escrow: load config: %w", err)
	}
	return s.quote(ctx, a, cfg)
}

// DigestOf returns the domain-bound digest an external signer must sign.
func (s *Service) DigestOf(encoded []byte) (agreement.Hash256, error) {
	a, err := agreement.Decode(encoded)
	if err != nil {
		return agreement.Hash256{}, fmt.Errorf("escrow: decode agreement: %w", err)
	}
	return agreement.Digest(a, s.domain), nil
}

func (s *Service) quote(ctx context.Context, a agreement.Agreement, cfg config.Config) (fees.Breakdown, error) {
	var bq bridge.Quote
	if a.DestNetwork != 0 {
		var err error
		bq, err = s.bridge.Quote(ctx, a.DestNetwork, a.Amount, a.AdapterParams)
		if err != nil {
			return fees.Breakdown{}, fmt.Errorf("escrow: bridge quote: %w", err)
		}
	}
	return fees.Quote(a, cfg, bq)
}

// payOut writes the settlement rows for a normal completion and forwards
// cross-network funds through the bridge before anything commits.
func (s *Service) payOut(ctx context.Context, tx pgx.Tx, rec Record, cfg config.Config, breakdown fees.Breakdown) error {
	a := rec.Agreement

	if a.DestNetwork != 0 {
		if err := s.bridge.Forward(ctx, a.DestNetwork, a.DestRecipient, a.AdapterParams, breakdown.NetRecipientAmount); err != nil {
			return fmt.Errorf("escrow: bridge forward: %w", err)
		}
		if err := s.store.InsertPayout(ctx, tx, Payout{
			EscrowID: rec.ID, Kind: PayoutBridgeFee, Recipient: "bridge", Amount: breakdown.BridgeFee,
		}); err != nil {
			return err
		}
		if err := s.store.InsertPayout(ctx, tx, Payout{
			EscrowID: rec.ID, Kind: PayoutDestinationGas, Recipient: "bridge", Amount: breakdown.DestinationGas,
		}); err != nil {
			return err
		}
	}

	if err := s.store.InsertPayout(ctx, tx, Payout{
		EscrowID: rec.ID, Kind: PayoutProviderNet, Recipient: a.Provider.String(), Amount: breakdown.NetRecipientAmount,
	}); err != nil {
		return err
	}
	return s.store.InsertPayout(ctx, tx, Payout{
		EscrowID: rec.ID, Kind: PayoutEscrowFee, Recipient: cfg.FeeRecipient.String(), Amount: breakdown.EscrowFee,
	})
}

func (s *Service) settleRuling(ctx context.Context, tx pgx.Tx, rec Record, cfg config.Config, ruling Ruling, initiator agreement.Identity, disputeFee *big.Int) (Settlement, error) {
	a := rec.Agreement

	escrowFee := fees.EscrowFee(a.Amount, cfg)
	if escrowFee.Cmp(a.Amount) > 0 {
		escrowFee = new(big.Int).Set(a.Amount)
	}

	var settlement Settlement
	settlement.Ruling = ruling

	switch ruling {
	case RulingHolder:
		settlement.Winner, settlement.Loser = a.Holder, a.Provider
		refund := new(big.Int).Sub(a.Amount, escrowFee)
		if err := s.store.InsertPayout(ctx, tx, Payout{
			EscrowID: rec.ID, Kind: PayoutHolderRefund, Recipient: a.Holder.String(), Amount: refund,
		}); err != nil {
			return Settlement{}, err
		}
	case RulingProvider:
		settlement.Winner, settlement.Loser = a.Provider, a.Holder
		breakdown, err := s.quote(ctx, a, cfg)
		if err != nil {
			return Settlement{}, err
		}
		if a.DestNetwork != 0 {
			if err := s.bridge.Forward(ctx, a.DestNetwork, a.DestRecipient, a.AdapterParams, breakdown.NetRecipientAmount); err != nil {
				return Settlement{}, fmt.Errorf("escrow: bridge forward: %w", err)
			}
			if err := s.store.InsertPayout(ctx, tx, Payout{
				EscrowID: rec.ID, Kind: PayoutBridgeFee, Recipient: "bridge", Amount: breakdown.BridgeFee,
			}); err != nil {
				return Settlement{}, err
			}
			if err := s.store.InsertPayout(ctx, tx, Payout{
				EscrowID: rec.ID, Kind: PayoutDestinationGas, Recipient: "bridge", Amount: breakdown.DestinationGas,
			}); err != nil {
				return Settlement{}, err
			}
		}
		if err := s.store.InsertPayout(ctx, tx, Payout{
			EscrowID: rec.ID, Kind: PayoutProviderNet, Recipient: a.Provider.String(), Amount: breakdown.NetRecipientAmount,
		}); err != nil {
			return Settlement{}, err
		}
	}

	if err := s.store.InsertPayout(ctx, tx, Payout{
		EscrowID: rec.ID, Kind: PayoutEscrowFee, Recipient: cfg.FeeRecipient.String(), Amount: escrowFee,
	}); err != nil {
		return Settlement{}, err
	}

	if disputeFee != nil && disputeFee.Sign() > 0 {
		kind, recipient := PayoutDisputeFeeRefund, initiator.String()
		if initiator == settlement.Loser {
			kind, recipient = PayoutDisputeFeeForfeit, cfg.FeeRecipient.String()
		}
		if err := s.store.InsertPayout(ctx, tx, Payout{
			EscrowID: rec.ID, Kind: kind, Recipient: recipient, Amount: disputeFee,
		}); err != nil {
			return Settlement{}, err
		}
	}

	return settlement, nil
}

func (s *Service) recordOutcome(ctx context.Context, party agreement.Identity, outcome reputation.Outcome) {
	if s.rep == nil {
		return
	}
	if err := s.rep.Record(ctx, party, outcome); err != nil {
		s.log.Warn().Err(err).Str("party", party.String()).Msg("reputation record failed")
	}
}

// RecordOutcome exposes best-effort reputation recording to the dispute
// coordinator, which owns the commit point for rulings.
func (s *Service) RecordOutcome(ctx context.Context, party agreement.Identity, outcome reputation.Outcome) {
	s.recordOutcome(ctx, party, outcome)
}

func (r Record) roleOf(party agreement.Identity) (Role, bool) {
	switch party {
	case r.Agreement.Holder:
		return RoleHolder, true
	case r.Agreement.Provider:
		return RoleProvider, true
	default:
		return "", false
	}
}

func checkTimeouts(a agreement.Agreement, cfg config.Config, now time.Time) error {
	minEdge := now.Add(cfg.MinTimeout)
	maxEdge := now.Add(cfg.MaxTimeout)

	for _, ts := range []time.Time{a.FundedTimeout, a.ProofTimeout} {
		if ts.Before(minEdge) || ts.After(maxEdge) {
			return fmt.Errorf("%w: outside [%s, %s]", ErrInvalidTimeout, cfg.MinTimeout, cfg.MaxTimeout)
		}
	}
	if !a.ProofTimeout.After(a.FundedTimeout) {
		return fmt.Errorf("%w: proof timeout must follow funded timeout", ErrInvalidTimeout)
	}
	return nil
}
