package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/glazeai/backend/internal/classify"
	"github.com/glazeai/backend/internal/execution"
	"github.com/glazeai/backend/internal/ledger"
	"github.com/glazeai/backend/internal/models"
)

// ---------------------------------------------------------------------------
// fakeTx satisfies pgx.Tx so the in-memory store can hand one out.
// ---------------------------------------------------------------------------

type fakeTx struct{}

func (fakeTx) Begin(context.Context) (pgx.Tx, error) { return fakeTx{}, nil }
func (fakeTx) Commit(context.Context) error          { return nil }
func (fakeTx) Rollback(context.Context) error        { return nil }
func (fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (fakeTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (fakeTx) Conn() *pgx.Conn                                         { return nil }

// ---------------------------------------------------------------------------
// In-memory Store with the same compare-and-set contract as the SQL one.
// ---------------------------------------------------------------------------

type memJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (m *memJobStore) Begin(context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

func (m *memJobStore) Insert(_ context.Context, _ pgx.Tx, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	cp.CreatedAt = time.Now().UTC()
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memJobStore) GetByID(_ context.Context, jobID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *j
	return &cp, nil
}

func (m *memJobStore) SetExternalRequestID(_ context.Context, jobIDs []uuid.UUID, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range jobIDs {
		if j, ok := m.jobs[id]; ok {
			rid := requestID
			j.ExternalRequestID = &rid
		}
	}
	return nil
}

func (m *memJobStore) FinalizeCompleted(_ context.Context, jobID uuid.UUID, resultURL string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status != models.JobStatusPending {
		return false, nil
	}
	j.Status = models.JobStatusCompleted
	j.ResultURL = &resultURL
	return true, nil
}

func (m *memJobStore) FinalizeFailed(_ context.Context, jobID uuid.UUID, errorKind, errorMessage string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status != models.JobStatusPending {
		return false, nil
	}
	j.Status = models.JobStatusFailed
	j.ErrorKind = &errorKind
	j.ErrorMessage = &errorMessage
	return true, nil
}

func (m *memJobStore) FinalizeCancelled(_ context.Context, jobID uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status != models.JobStatusPending {
		return false, nil
	}
	j.Status = models.JobStatusCancelled
	j.CancelRequestedAt = &at
	return true, nil
}

func (m *memJobStore) ListOverduePending(_ context.Context, now time.Time) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status == models.JobStatusPending && j.Deadline().Before(now) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memJobStore) job(id uuid.UUID) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

// ---------------------------------------------------------------------------
// Recording ledger
// ---------------------------------------------------------------------------

type ledgerOp struct {
	amount int64
	source string
}

type recordLedger struct {
	mu          sync.Mutex
	reserveErr  error
	reservation ledger.Reservation
	reserved    []ledgerOp
	commits     []ledgerOp
	releases    []ledgerOp
}

func (l *recordLedger) Reserve(_ context.Context, _ pgx.Tx, _ uuid.UUID, _ *uuid.UUID, amount int64) (*ledger.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reserveErr != nil {
		return nil, l.reserveErr
	}
	l.reserved = append(l.reserved, ledgerOp{amount, l.reservation.Source})
	res := l.reservation
	return &res, nil
}

func (l *recordLedger) Commit(_ context.Context, _ uuid.UUID, _ *uuid.UUID, amount int64, source string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commits = append(l.commits, ledgerOp{amount, source})
	return nil
}

func (l *recordLedger) Release(_ context.Context, _ uuid.UUID, _ *uuid.UUID, amount int64, source string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases = append(l.releases, ledgerOp{amount, source})
	return nil
}

func (l *recordLedger) counts() (reserves, commits, releases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reserved), len(l.commits), len(l.releases)
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type fixedDeadlines struct{}

func (fixedDeadlines) MaxWaitSeconds(kind, _ string) int {
	if kind == models.KindVideo {
		return 600
	}
	return 120
}

type batchRecorder struct {
	mu      sync.Mutex
	batches []execution.GenerateBatchArgs
}

func (b *batchRecorder) insert(_ context.Context, _ pgx.Tx, args execution.GenerateBatchArgs) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, args)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, store *memJobStore, lg *recordLedger) (*Service, *batchRecorder) {
	t.Helper()
	validator, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	rec := &batchRecorder{}
	svc := NewService(store, lg, fixedDeadlines{}, validator, rec.insert, testLogger())
	return svc, rec
}

func seedPendingJob(store *memJobStore, owner uuid.UUID, price int64) uuid.UUID {
	id := uuid.New()
	store.jobs[id] = &models.Job{
		ID:              id,
		OwnerID:         owner,
		Kind:            models.KindImage,
		ModelSpec:       "sd-xl",
		PriceCredits:    price,
		Status:          models.JobStatusPending,
		CreditSource:    models.SourcePersonal,
		DeadlineSeconds: 120,
		CreatedAt:       time.Now().UTC(),
	}
	return id
}

// ---------------------------------------------------------------------------
// Accept
// ---------------------------------------------------------------------------

func TestAcceptPersistsBatch(t *testing.T) {
	store := newMemJobStore()
	lg := &recordLedger{reservation: ledger.Reservation{Source: models.SourcePersonal, AvailableAfter: 90}}
	svc, rec := newTestService(t, store, lg)

	acc, err := svc.Accept(context.Background(), &AcceptRequest{
		OwnerID:     uuid.New(),
		Kind:        models.KindImage,
		ModelSpec:   "sd-xl",
		Prompt:      "a lighthouse at dusk",
		Price:       10,
		Cardinality: 4,
	})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if len(acc.JobIDs) != 4 {
		t.Fatalf("job ids = %d, want 4", len(acc.JobIDs))
	}
	if acc.CreditSource != models.SourcePersonal || acc.AvailableAfter != 90 {
		t.Errorf("acceptance = %+v", acc)
	}

	var sum int64
	for _, id := range acc.JobIDs {
		j := store.job(id)
		if j.Status != models.JobStatusPending {
			t.Errorf("job %s status = %q, want pending", id, j.Status)
		}
		if j.CreditSource != models.SourcePersonal {
			t.Errorf("job %s source = %q, want personal", id, j.CreditSource)
		}
		if j.DeadlineSeconds != 120 {
			t.Errorf("job %s deadline = %d, want 120", id, j.DeadlineSeconds)
		}
		sum += j.PriceCredits
	}
	if sum != 10 {
		t.Errorf("row prices sum to %d, want the reserved 10", sum)
	}

	if len(rec.batches) != 1 {
		t.Fatalf("enqueued batches = %d, want exactly 1", len(rec.batches))
	}
	if got := rec.batches[0]; len(got.JobIDs) != 4 || got.JobKind != models.KindImage || got.DeadlineSeconds != 120 {
		t.Errorf("batch args = %+v", got)
	}
}

func TestAcceptVideoDeadline(t *testing.T) {
	store := newMemJobStore()
	lg := &recordLedger{reservation: ledger.Reservation{Source: models.SourcePersonal}}
	svc, _ := newTestService(t, store, lg)

	acc, err := svc.Accept(context.Background(), &AcceptRequest{
		OwnerID: uuid.New(), Kind: models.KindVideo, ModelSpec: "motion-1",
		Prompt: "waves", Price: 50, Cardinality: 1,
	})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if j := store.job(acc.JobIDs[0]); j.DeadlineSeconds != 600 {
		t.Errorf("video deadline = %d, want 600", j.DeadlineSeconds)
	}
}

func TestAcceptShortfallPersistsNothing(t *testing.T) {
	store := newMemJobStore()
	lg := &recordLedger{reserveErr: &ledger.ShortfallError{
		Shortfalls: []ledger.PoolShortfall{{Pool: "personal", Needed: 30, Balance: 10, Missing: 20}},
	}}
	svc, rec := newTestService(t, store, lg)

	_, err := svc.Accept(context.Background(), &AcceptRequest{
		OwnerID: uuid.New(), Kind: models.KindImage, ModelSpec: "sd-xl",
		Prompt: "x", Price: 30, Cardinality: 2,
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if len(store.jobs) != 0 {
		t.Errorf("jobs persisted on shortfall: %d", len(store.jobs))
	}
	if len(rec.batches) != 0 {
		t.Errorf("batch enqueued on shortfall")
	}
}

func TestAcceptValidation(t *testing.T) {
	store := newMemJobStore()
	lg := &recordLedger{reservation: ledger.Reservation{Source: models.SourcePersonal}}
	svc, _ := newTestService(t, store, lg)
	owner := uuid.New()

	cases := []struct {
		name string
		req  AcceptRequest
	}{
		{"unknown kind", AcceptRequest{OwnerID: owner, Kind: "hologram", ModelSpec: "m", Prompt: "x", Price: 5, Cardinality: 1}},
		{"zero cardinality", AcceptRequest{OwnerID: owner, Kind: models.KindImage, ModelSpec: "m", Prompt: "x", Price: 5}},
		{"zero price", AcceptRequest{OwnerID: owner, Kind: models.KindImage, ModelSpec: "m", Prompt: "x", Cardinality: 1}},
		{"upscale without ref", AcceptRequest{OwnerID: owner, Kind: models.KindUpscale, ModelSpec: "m", Prompt: "x", Price: 5, Cardinality: 1}},
		{"bad options", AcceptRequest{OwnerID: owner, Kind: models.KindImage, ModelSpec: "m", Prompt: "x", Price: 5, Cardinality: 1, Options: []byte(`{"width": 8}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			if _, err := svc.Accept(context.Background(), &req); !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}

	if reserves, _, _ := lg.counts(); reserves != 0 {
		t.Errorf("reserve called %d times for invalid requests", reserves)
	}
}

// ---------------------------------------------------------------------------
// Cancel
// ---------------------------------------------------------------------------

func TestCancelPendingRefundsExactlyOnce(t *testing.T) {
	store := newMemJobStore()
	lg := &recordLedger{}
	svc, _ := newTestService(t, store, lg)
	owner := uuid.New()
	jobID := seedPendingJob(store, owner, 25)
	ctx := context.Background()

	refunded, err := svc.Cancel(ctx, jobID, owner)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if refunded != 25 {
		t.Errorf("refunded = %d, want 25", refunded)
	}
	j := store.job(jobID)
	if j.Status != models.JobStatusCancelled {
		t.Errorf("status = %q, want cancelled", j.Status)
	}
	if j.CancelRequestedAt == nil {
		t.Error("cancel_requested_at not stamped")
	}

	// Second cancel loses the compare-and-set and refunds nothing.
	if _, err := svc.Cancel(ctx, jobID, owner); !errors.Is(err, ErrAlreadyFinal) {
		t.Fatalf("second cancel err = %v, want ErrAlreadyFinal", err)
	}
	if _, _, releases := lg.counts(); releases != 1 {
		t.Errorf("releases = %d, want exactly 1", releases)
	}
}

func TestCancelCompletedJobRefundsNothing(t *testing.T) {
	store := newMemJobStore()
	lg := &recordLedger{}
	svc, _ := newTestService(t, store, lg)
	owner := uuid.New()
	jobID := seedPendingJob(store, owner, 25)
	ctx := context.Background()

	if err := svc.CompleteJob(ctx, jobID, "https://cdn.example/out.png"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if _, err := svc.Cancel(ctx, jobID, owner); !errors.Is(err, ErrAlreadyFinal) {
		t.Fatalf("cancel err = %v, want ErrAlreadyFinal", err)
	}
	if _, commits, releases := lg.counts(); commits != 1 || releases != 0 {
		t.Errorf("commits=%d releases=%d, want 1/0", commits, releases)
	}
}

func TestCancelNotOwner(t *testing.T) {
	store := newMemJobStore()
	svc, _ := newTestService(t, store, &recordLedger{})
	jobID := seedPendingJob(store, uuid.New(), 25)

	if _, err := svc.Cancel(context.Background(), jobID, uuid.New()); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
}

// ---------------------------------------------------------------------------
// Finalizers: exactly one of commit/release per job.
// ---------------------------------------------------------------------------

func TestCompleteJobCommitsExactlyOnce(t *testing.T) {
	store := newMemJobStore()
	lg := &recordLedger{}
	svc, _ := newTestService(t, store, lg)
	jobID := seedPendingJob(store, uuid.New(), 30)
	ctx := context.Background()

	if err := svc.CompleteJob(ctx, jobID, "https://cdn.example/a.png"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	// Replays and the losing side of the race are both no-ops.
	if err := svc.CompleteJob(ctx, jobID, "https://cdn.example/a.png"); err != nil {
		t.Fatalf("replayed CompleteJob: %v", err)
	}
	if err := svc.FailJob(ctx, jobID, classify.FromKind(classify.KindTimeout, "watchdog raced in late")); err != nil {
		t.Fatalf("racing FailJob: %v", err)
	}

	if _, commits, releases := lg.counts(); commits != 1 || releases != 0 {
		t.Errorf("commits=%d releases=%d, want exactly 1/0", commits, releases)
	}
	j := store.job(jobID)
	if j.Status != models.JobStatusCompleted || j.ResultURL == nil {
		t.Errorf("job = %+v, want completed with result", j)
	}
}

func TestFailJobReleasesExactlyOnce(t *testing.T) {
	store := newMemJobStore()
	lg := &recordLedger{}
	svc, _ := newTestService(t, store, lg)
	jobID := seedPendingJob(store, uuid.New(), 30)
	ctx := context.Background()

	c := classify.Classify(429, "rate limit exceeded")
	if err := svc.FailJob(ctx, jobID, c); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if err := svc.FailJob(ctx, jobID, c); err != nil {
		t.Fatalf("replayed FailJob: %v", err)
	}
	if err := svc.CompleteJob(ctx, jobID, "https://cdn.example/late.png"); err != nil {
		t.Fatalf("racing CompleteJob: %v", err)
	}

	if _, commits, releases := lg.counts(); commits != 0 || releases != 1 {
		t.Errorf("commits=%d releases=%d, want exactly 0/1", commits, releases)
	}
	j := store.job(jobID)
	if j.Status != models.JobStatusFailed {
		t.Errorf("status = %q, want failed", j.Status)
	}
	if j.ErrorKind == nil || *j.ErrorKind != string(classify.KindRateLimit) {
		t.Errorf("error kind = %v, want rate_limit", j.ErrorKind)
	}
	if j.ErrorMessage != nil && *j.ErrorMessage == "rate limit exceeded" {
		t.Error("raw provider text stored as the user message")
	}
}

func TestStatusView(t *testing.T) {
	store := newMemJobStore()
	svc, _ := newTestService(t, store, &recordLedger{})
	jobID := seedPendingJob(store, uuid.New(), 30)
	ctx := context.Background()

	view, err := svc.Status(ctx, jobID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if view.Status != models.JobStatusPending {
		t.Errorf("status = %q, want pending", view.Status)
	}

	if _, err := svc.Status(ctx, uuid.New()); !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("missing job err = %v, want pgx.ErrNoRows", err)
	}
}

func TestPriceSplitCoversRemainder(t *testing.T) {
	store := newMemJobStore()
	lg := &recordLedger{reservation: ledger.Reservation{Source: models.SourceWorkspace}}
	svc, _ := newTestService(t, store, lg)
	ws := uuid.New()

	for _, tc := range []struct {
		price       int64
		cardinality int
	}{{10, 3}, {7, 2}, {1, 1}, {100, 7}} {
		acc, err := svc.Accept(context.Background(), &AcceptRequest{
			OwnerID: uuid.New(), WorkspaceID: &ws, Kind: models.KindImage,
			ModelSpec: "sd-xl", Prompt: "x", Price: tc.price, Cardinality: tc.cardinality,
		})
		if err != nil {
			t.Fatalf("Accept(%d/%d): %v", tc.price, tc.cardinality, err)
		}
		var sum int64
		for _, id := range acc.JobIDs {
			sum += store.job(id).PriceCredits
		}
		if sum != tc.price {
			t.Errorf("price %d over %d rows sums to %d", tc.price, tc.cardinality, sum)
		}
	}
}
