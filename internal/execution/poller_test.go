package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/glazeai/backend/internal/classify"
	"github.com/glazeai/backend/internal/models"
	"github.com/glazeai/backend/internal/provider"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// scriptQueue returns one scripted state per Status call, sticking on
// the last entry.
type scriptQueue struct {
	mu        sync.Mutex
	states    []provider.QueueState
	statusErr error
	results   []provider.Result
	resultErr error
	calls     int
	cancels   int
	cancelErr error
}

func (q *scriptQueue) Submit(context.Context, provider.Request) (string, error) {
	return "req-1", nil
}

func (q *scriptQueue) Status(context.Context, string) (provider.QueueState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.calls
	if i >= len(q.states) {
		i = len(q.states) - 1
	}
	q.calls++
	state := q.states[i]
	if state == provider.StateFailed {
		return state, q.statusErr
	}
	return state, nil
}

func (q *scriptQueue) Result(context.Context, string) ([]provider.Result, error) {
	return q.results, q.resultErr
}

func (q *scriptQueue) Cancel(context.Context, string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancels++
	return q.cancelErr
}

// stubJobs serves GetJob from a single mutable job row.
type stubJobs struct {
	mu  sync.Mutex
	job models.Job
}

func (s *stubJobs) GetJob(context.Context, uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.job
	return &cp, nil
}

func (s *stubJobs) AttachExternalRequest(context.Context, []uuid.UUID, string) error { return nil }
func (s *stubJobs) CompleteJob(context.Context, uuid.UUID, string) error             { return nil }
func (s *stubJobs) FailJob(context.Context, uuid.UUID, classify.Classification) error {
	return nil
}

func (s *stubJobs) requestCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.job.CancelRequestedAt = &now
}

func pendingJob() models.Job {
	return models.Job{
		ID:     uuid.New(),
		Status: models.JobStatusPending,
	}
}

func newPoller(q provider.Queued, jobs JobService) *Poller {
	return &Poller{
		Queue:    q,
		Jobs:     jobs,
		Interval: time.Millisecond,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPollerCompletes(t *testing.T) {
	q := &scriptQueue{
		states:  []provider.QueueState{provider.StateQueued, provider.StateRunning, provider.StateCompleted},
		results: []provider.Result{{URL: "https://cdn.example/out.png"}},
	}
	jobs := &stubJobs{job: pendingJob()}
	p := newPoller(q, jobs)

	res, err := p.Run(context.Background(), jobs.job.ID, "req-1", time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %q, want completed", res.Outcome)
	}
	if len(res.Results) != 1 || res.Results[0].URL != "https://cdn.example/out.png" {
		t.Errorf("results = %+v", res.Results)
	}
	if q.calls < 3 {
		t.Errorf("status calls = %d, want at least 3", q.calls)
	}
}

func TestPollerPropagatesProviderFailure(t *testing.T) {
	q := &scriptQueue{
		states:    []provider.QueueState{provider.StateRunning, provider.StateFailed},
		statusErr: &provider.Error{Message: "content policy violation"},
	}
	jobs := &stubJobs{job: pendingJob()}
	p := newPoller(q, jobs)

	res, err := p.Run(context.Background(), jobs.job.ID, "req-1", time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", res.Outcome)
	}
	var perr *provider.Error
	if !errors.As(res.Err, &perr) {
		t.Errorf("err = %v, want *provider.Error", res.Err)
	}
}

func TestPollerTimesOut(t *testing.T) {
	q := &scriptQueue{states: []provider.QueueState{provider.StateRunning}}
	jobs := &stubJobs{job: pendingJob()}
	p := newPoller(q, jobs)

	res, err := p.Run(context.Background(), jobs.job.ID, "req-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("outcome = %q, want timed_out", res.Outcome)
	}
}

func TestPollerHonorsCancelFlag(t *testing.T) {
	q := &scriptQueue{states: []provider.QueueState{provider.StateRunning}}
	jobs := &stubJobs{job: pendingJob()}
	jobs.requestCancel()
	p := newPoller(q, jobs)

	res, err := p.Run(context.Background(), jobs.job.ID, "req-1", time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %q, want cancelled", res.Outcome)
	}
	if q.cancels != 1 {
		t.Errorf("upstream cancels = %d, want 1", q.cancels)
	}
}

func TestPollerCancelUpstreamFailureIgnored(t *testing.T) {
	q := &scriptQueue{
		states:    []provider.QueueState{provider.StateRunning},
		cancelErr: errors.New("provider refused"),
	}
	jobs := &stubJobs{job: pendingJob()}
	jobs.requestCancel()
	p := newPoller(q, jobs)

	res, err := p.Run(context.Background(), jobs.job.ID, "req-1", time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %q, want cancelled despite upstream refusal", res.Outcome)
	}
}

func TestPollerStopsOnContextCancel(t *testing.T) {
	q := &scriptQueue{states: []provider.QueueState{provider.StateRunning}}
	jobs := &stubJobs{job: pendingJob()}
	p := newPoller(q, jobs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx, jobs.job.ID, "req-1", time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
