package escrow

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/agreement"
	"escrowflow/config"
	"escrowflow/reputation"
)

type fakePool struct {
	tx       *fakeTx
	beginErr error
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

// memStore keeps records in process. Mutations apply immediately; the
// service's transactional behavior is asserted through fakeTx flags and the
// Postgres-backed integration tests.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]Record
	payouts []Payout
	events  []string
}

func newMemStore() *memStore {
	return &memStore{records: make(map[int64]Record)}
}

func (m *memStore) Insert(_ context.Context, _ pgx.Tx, a agreement.Agreement) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec := Record{ID: m.nextID, Agreement: a, State: StateFunded}
	m.records[rec.ID] = rec
	return rec, nil
}

func (m *memStore) GetForUpdate(_ context.Context, _ pgx.Tx, id int64) (Record, error) {
	return m.get(id)
}

func (m *memStore) Get(_ context.Context, id int64) (Record, error) {
	return m.get(id)
}

func (m *memStore) List(_ context.Context, filters ListFilters) ([]Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if !filters.Party.IsZero() && rec.Agreement.Holder != filters.Party && rec.Agreement.Provider != filters.Party {
			continue
		}
		if filters.State != "" && rec.State != filters.State {
			continue
		}
		out = append(out, rec)
	}
	return out, len(out), nil
}

func (m *memStore) get(id int64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *memStore) SetProof(_ context.Context, _ pgx.Tx, id int64, proofRef string, next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	rec.State = next
	rec.ProofRef = proofRef
	m.records[id] = rec
	return nil
}

func (m *memStore) SetState(_ context.Context, _ pgx.Tx, id int64, next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	rec.State = next
	m.records[id] = rec
	return nil
}

func (m *memStore) LinkDispute(_ context.Context, _ pgx.Tx, id int64, disputeID uuid.UUID, next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	rec.State = next
	rec.DisputeID = &disputeID
	m.records[id] = rec
	return nil
}

func (m *memStore) InsertPayout(_ context.Context, _ pgx.Tx, p Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payouts = append(m.payouts, p)
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, _ pgx.Tx, _ int64, eventType string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
	return nil
}

func (m *memStore) payoutsFor(id int64) map[PayoutKind]Payout {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[PayoutKind]Payout)
	for _, p := range m.payouts {
		if p.EscrowID == id {
			out[p.Kind] = p
		}
	}
	return out
}

type staticConfig struct {
	cfg config.Config
	err error
}

func (s *staticConfig) Load(context.Context) (config.Config, error) {
	if s.err != nil {
		return config.Config{}, s.err
	}
	return s.cfg, nil
}

type captureRecorder struct {
	mu       sync.Mutex
	err      error
	outcomes map[string]reputation.Outcome
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{outcomes: make(map[string]reputation.Outcome)}
}

func (c *captureRecorder) Record(_ context.Context, party agreement.Identity, outcome reputation.Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.outcomes[party.String()] = outcome
	return nil
}
