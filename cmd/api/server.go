package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"escrowflow/agreement"
	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/fees"
)

// escrowAPI is the slice of the escrow service the transport drives.
type escrowAPI interface {
	Create(ctx context.Context, encoded, holderSig, providerSig []byte, deposited *big.Int) (escrow.Record, error)
	ProvideProof(ctx context.Context, id int64, caller agreement.Identity, proofRef string) (escrow.Record, error)
	Complete(ctx context.Context, id int64, caller agreement.Identity) (escrow.Record, error)
	Get(ctx context.Context, id int64) (escrow.Record, error)
	List(ctx context.Context, filters escrow.ListFilters) ([]escrow.Record, int, error)
	QuoteEncoded(ctx context.Context, encoded []byte) (fees.Breakdown, error)
	DigestOf(encoded []byte) (agreement.Hash256, error)
}

type disputeAPI interface {
	Create(ctx context.Context, escrowID int64, caller agreement.Identity, evidenceRef string, feePaid *big.Int) (dispute.Record, error)
	Resolve(ctx context.Context, id uuid.UUID, ruling escrow.Ruling, rationale string) (dispute.Record, error)
	Get(ctx context.Context, id uuid.UUID) (dispute.Record, error)
}

type configAPI interface {
	Load(ctx context.Context) (config.Config, error)
	Update(ctx context.Context, cfg config.Config) (config.Config, error)
}

type tokenVerifier interface {
	Require(tokenString string, want auth.Role) (string, error)
}

// Server is the HTTP transport over the escrow and dispute services. It
// translates wire formats and maps errors; every rule lives below it.
type Server struct {
	escrows  escrowAPI
	disputes disputeAPI
	config   configAPI
	tokens   tokenVerifier
	log      zerolog.Logger
}

// NewServer wires the transport.
func NewServer(escrows escrowAPI, disputes disputeAPI, configStore configAPI, tokens tokenVerifier, log zerolog.Logger) *Server {
	return &Server{escrows: escrows, disputes: disputes, config: configStore, tokens: tokens, log: log}
}

// Router builds the chi route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/escrows", s.createEscrow)
		r.Get("/escrows", s.listEscrows)
		r.Get("/escrows/{id}", s.getEscrow)
		r.Post("/escrows/{id}/proof", s.provideProof)
		r.Post("/escrows/{id}/complete", s.completeEscrow)

		r.Post("/disputes", s.createDispute)
		r.Get("/disputes/{id}", s.getDispute)
		r.Post("/disputes/{id}/resolve", s.resolveDispute)

		r.Post("/quote", s.quote)
		r.Post("/digest", s.digest)
		r.Put("/config", s.updateConfig)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type createEscrowRequest struct {
	Agreement   string `json:"agreement"`
	HolderSig   string `json:"holder_sig"`
	ProviderSig string `json:"provider_sig"`
	Deposited   string `json:"deposited"`
}

type escrowResponse struct {
	ID            int64  `json:"id"`
	Holder        string `json:"holder"`
	Provider      string `json:"provider"`
	Amount        string `json:"amount"`
	State         string `json:"state"`
	ProofRef      string `json:"proof_ref,omitempty"`
	DisputeID     string `json:"dispute_id,omitempty"`
	DestNetwork   uint64 `json:"dest_network,omitempty"`
	FundedTimeout string `json:"funded_timeout"`
	ProofTimeout  string `json:"proof_timeout"`
	CreatedAt     string `json:"created_at,omitempty"`
}

func escrowToResponse(rec escrow.Record) escrowResponse {
	resp := escrowResponse{
		ID:            rec.ID,
		Holder:        rec.Agreement.Holder.String(),
		Provider:      rec.Agreement.Provider.String(),
		Amount:        rec.Agreement.Amount.String(),
		State:         string(rec.State),
		ProofRef:      rec.ProofRef,
		DestNetwork:   rec.Agreement.DestNetwork,
		FundedTimeout: rec.Agreement.FundedTimeout.UTC().Format(time.RFC3339),
		ProofTimeout:  rec.Agreement.ProofTimeout.UTC().Format(time.RFC3339),
	}
	if rec.DisputeID != nil {
		resp.DisputeID = rec.DisputeID.String()
	}
	if !rec.CreatedAt.IsZero() {
		resp.CreatedAt = rec.CreatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Server) createEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	encoded, err := parseHex(req.Agreement)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: agreement: %v", errBadRequest, err))
		return
	}
	holderSig, err := parseHex(req.HolderSig)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: holder_sig: %v", errBadRequest, err))
		return
	}
	providerSig, err := parseHex(req.ProviderSig)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: provider_sig: %v", errBadRequest, err))
		return
	}
	deposited, err := parseAmount(req.Deposited)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: deposited: %v", errBadRequest, err))
		return
	}

	rec, err := s.escrows.Create(r.Context(), encoded, holderSig, providerSig, deposited)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, escrowToResponse(rec))
}

func (s *Server) getEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.escrows.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, escrowToResponse(rec))
}

type listResponse struct {
	Escrows []escrowResponse `json:"escrows"`
	Total   int              `json:"total"`
}

func (s *Server) listEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := escrow.ListFilters{
		State:     escrow.State(q.Get("state")),
		SortKey:   q.Get("sort"),
		SortOrder: q.Get("order"),
	}
	if party := q.Get("party"); party != "" {
		id, err := agreement.ParseIdentity(party)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: party: %v", errBadRequest, err))
			return
		}
		filters.Party = id
	}
	if page := q.Get("page"); page != "" {
		n, err := strconv.Atoi(page)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: page: %v", errBadRequest, err))
			return
		}
		filters.Page = n
	}
	if size := q.Get("page_size"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: page_size: %v", errBadRequest, err))
			return
		}
		filters.PageSize = n
	}

	records, total, err := s.escrows.List(r.Context(), filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := listResponse{Escrows: make([]escrowResponse, 0, len(records)), Total: total}
	for _, rec := range records {
		resp.Escrows = append(resp.Escrows, escrowToResponse(rec))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type proofRequest struct {
	Caller   string `json:"caller"`
	ProofRef string `json:"proof_ref"`
}

func (s *Server) provideProof(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req proofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	caller, err := agreement.ParseIdentity(req.Caller)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: caller: %v", errBadRequest, err))
		return
	}

	rec, err := s.escrows.ProvideProof(r.Context(), id, caller, req.ProofRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, escrowToResponse(rec))
}

type completeRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) completeEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	caller, err := agreement.ParseIdentity(req.Caller)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: caller: %v", errBadRequest, err))
		return
	}

	rec, err := s.escrows.Complete(r.Context(), id, caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, escrowToResponse(rec))
}

type createDisputeRequest struct {
	EscrowID    int64  `json:"escrow_id"`
	Caller      string `json:"caller"`
	EvidenceRef string `json:"evidence_ref"`
	FeePaid     string `json:"fee_paid"`
}

type disputeResponse struct {
	ID          string `json:"id"`
	EscrowID    int64  `json:"escrow_id"`
	Initiator   string `json:"initiator"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
	FeePaid     string `json:"fee_paid"`
	Resolved    bool   `json:"resolved"`
	Ruling      string `json:"ruling"`
	Rationale   string `json:"rationale,omitempty"`
}

func disputeToResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:          rec.ID.String(),
		EscrowID:    rec.EscrowID,
		Initiator:   rec.Initiator.String(),
		EvidenceRef: rec.EvidenceRef,
		Resolved:    rec.Resolved,
		Ruling:      string(rec.Ruling),
		Rationale:   rec.Rationale,
	}
	if rec.FeePaid != nil {
		resp.FeePaid = rec.FeePaid.String()
	}
	return resp
}

func (s *Server) createDispute(w http.ResponseWriter, r *http.Request) {
	var req createDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	caller, err := agreement.ParseIdentity(req.Caller)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: caller: %v", errBadRequest, err))
		return
	}
	feePaid, err := parseAmount(req.FeePaid)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: fee_paid: %v", errBadRequest, err))
		return
	}

	rec, err := s.disputes.Create(r.Context(), req.EscrowID, caller, req.EvidenceRef, feePaid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, disputeToResponse(rec))
}

func (s *Server) getDispute(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: dispute id: %v", errBadRequest, err))
		return
	}
	rec, err := s.disputes.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, disputeToResponse(rec))
}

type resolveRequest struct {
	Ruling    string `json:"ruling"`
	Rationale string `json:"rationale"`
}

func (s *Server) resolveDispute(w http.ResponseWriter, r *http.Request) {
	if _, err := s.tokens.Require(bearerToken(r), auth.RoleSupportAgent); err != nil {
		s.writeError(w, r, err)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: dispute id: %v", errBadRequest, err))
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	rec, err := s.disputes.Resolve(r.Context(), id, escrow.Ruling(req.Ruling), req.Rationale)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, disputeToResponse(rec))
}

type quoteRequest struct {
	Agreement string `json:"agreement"`
}

type quoteResponse struct {
	EscrowFee          string `json:"escrow_fee"`
	BridgeFee          string `json:"bridge_fee"`
	DestinationGas     string `json:"destination_gas"`
	TotalDeductions    string `json:"total_deductions"`
	NetRecipientAmount string `json:"net_recipient_amount"`
	MaxDisputeCost     string `json:"max_dispute_cost"`
}

func (s *Server) quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	encoded, err := parseHex(req.Agreement)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: agreement: %v", errBadRequest, err))
		return
	}

	breakdown, err := s.escrows.QuoteEncoded(r.Context(), encoded)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, quoteResponse{
		EscrowFee:          breakdown.EscrowFee.String(),
		BridgeFee:          breakdown.BridgeFee.String(),
		DestinationGas:     breakdown.DestinationGas.String(),
		TotalDeductions:    breakdown.TotalDeductions.String(),
		NetRecipientAmount: breakdown.NetRecipientAmount.String(),
		MaxDisputeCost:     breakdown.MaxDisputeCost.String(),
	})
}

func (s *Server) digest(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	encoded, err := parseHex(req.Agreement)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: agreement: %v", errBadRequest, err))
		return
	}

	digest, err := s.escrows.DigestOf(encoded)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"digest": "0x" + hex.EncodeToString(digest[:]),
	})
}

type updateConfigRequest struct {
	BaseFeeBps        uint32 `json:"base_fee_bps"`
	MinFee            string `json:"min_fee"`
	MaxFee            string `json:"max_fee"`
	DisputeFeeBps     uint32 `json:"dispute_fee_bps"`
	MinDisputeFee     string `json:"min_dispute_fee"`
	MinTimeoutSeconds int64  `json:"min_timeout_seconds"`
	MaxTimeoutSeconds int64  `json:"max_timeout_seconds"`
	FeeRecipient      string `json:"fee_recipient"`
}

type configResponse struct {
	Version int64 `json:"version"`
	updateConfigRequest
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	if _, err := s.tokens.Require(bearerToken(r), auth.RoleGovernance); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req updateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	cfg := config.Config{
		BaseFeeBps:    req.BaseFeeBps,
		DisputeFeeBps: req.DisputeFeeBps,
		MinTimeout:    time.Duration(req.MinTimeoutSeconds) * time.Second,
		MaxTimeout:    time.Duration(req.MaxTimeoutSeconds) * time.Second,
	}
	var err error
	if cfg.MinFee, err = parseAmount(req.MinFee); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: min_fee: %v", errBadRequest, err))
		return
	}
	if cfg.MaxFee, err = parseAmount(req.MaxFee); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: max_fee: %v", errBadRequest, err))
		return
	}
	if cfg.MinDisputeFee, err = parseAmount(req.MinDisputeFee); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: min_dispute_fee: %v", errBadRequest, err))
		return
	}
	if cfg.FeeRecipient, err = agreement.ParseIdentity(req.FeeRecipient); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: fee_recipient: %v", errBadRequest, err))
		return
	}

	updated, err := s.config.Update(r.Context(), cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, configResponse{
		Version: updated.Version,
		updateConfigRequest: updateConfigRequest{
			BaseFeeBps:        updated.BaseFeeBps,
			MinFee:            updated.MinFee.String(),
			MaxFee:            updated.MaxFee.String(),
			DisputeFeeBps:     updated.DisputeFeeBps,
			MinDisputeFee:     updated.MinDisputeFee.String(),
			MinTimeoutSeconds: int64(updated.MinTimeout / time.Second),
			MaxTimeoutSeconds: int64(updated.MaxTimeout / time.Second),
			FeeRecipient:      updated.FeeRecipient.String(),
		},
	})
}

// errBadRequest anchors malformed-input errors so the status mapper can
// recognize them.
var errBadRequest = errors.New("bad request")

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, agreement.ErrInvalidIdentity),
		errors.Is(err, agreement.ErrCodecVersion),
		errors.Is(err, agreement.ErrTruncated),
		errors.Is(err, agreement.ErrTrailingBytes),
		errors.Is(err, escrow.ErrInvalidTimeout),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidRuling),
		errors.Is(err, escrow.ErrInsufficientDisputeFee),
		errors.Is(err, config.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, escrow.ErrExpired),
		errors.Is(err, escrow.ErrInvalidSignature):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, dispute.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, escrow.ErrNonceReused),
		errors.Is(err, escrow.ErrWrongState),
		errors.Is(err, dispute.ErrAlreadyResolved):
		status = http.StatusConflict
	case errors.Is(err, auth.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, auth.ErrWrongRole), errors.Is(err, escrow.ErrNotAuthorized):
		status = http.StatusForbidden
	}

	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func escrowID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: escrow id: %v", errBadRequest, err)
	}
	return id, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, fmt.Errorf("empty hex value")
	}
	return hex.DecodeString(s)
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	return v, nil
}
