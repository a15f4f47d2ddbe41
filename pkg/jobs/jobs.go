// Package jobs runs compactions in the background and keeps their status
// for polling.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zhangyunhao116/skipmap"

	"squeeze/pkg/squeeze"
	"squeeze/pkg/squeezeerr"
	"squeeze/pkg/types"
)

var (
	ErrQueueFull = errors.New("job queue is full")
	ErrStopped   = errors.New("job queue is stopped")
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is a snapshot of one submitted compaction.
type Job struct {
	ID          string                   `json:"id"`
	Status      Status                   `json:"status"`
	Criteria    types.CompactionCriteria `json:"criteria"`
	Result      *squeeze.Result          `json:"result,omitempty"`
	Error       string                   `json:"error,omitempty"`
	ErrorKind   squeezeerr.Kind          `json:"error_kind,omitempty"`
	SafeToRetry bool                     `json:"safe_to_retry,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	StartedAt   time.Time                `json:"started_at,omitzero"`
	FinishedAt  time.Time                `json:"finished_at,omitzero"`
}

func (j Job) Finished() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

type iCompactor interface {
	Validate(criteria *types.CompactionCriteria) error
	Compact(ctx context.Context, criteria *types.CompactionCriteria) (squeeze.Result, error)
}

type Options struct {
	Workers int
	Queue   int
	// Queued tracks jobs waiting for a worker, optional.
	Queued prometheus.Gauge
	Logger *slog.Logger
}

type Queue struct {
	compactor iCompactor
	jobs      *skipmap.OrderedMap[string, Job]
	in        chan string
	workers   []*worker[string]
	queued    prometheus.Gauge
	// mu orders Submit against Stop so no job lands in the channel after the
	// workers are gone.
	mu      sync.Mutex
	stopped bool
	log     *slog.Logger
	now     func() time.Time
}

func New(compactor iCompactor, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Queue <= 0 {
		opts.Queue = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	q := &Queue{
		compactor: compactor,
		jobs:      skipmap.New[string, Job](),
		in:        make(chan string, opts.Queue),
		queued:    opts.Queued,
		log:       opts.Logger.With("component", "jobs"),
		now:       time.Now,
	}
	for range opts.Workers {
		q.workers = append(q.workers, newWorker(q.in, q.handle))
	}
	return q
}

func (q *Queue) Start(ctx context.Context) {
	for _, w := range q.workers {
		w.Start(ctx)
	}
}

// Stop cancels running jobs and waits for them to return. Jobs that never
// reached a worker are marked failed with ErrStopped.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	for _, w := range q.workers {
		w.Stop()
	}
	for {
		select {
		case id := <-q.in:
			q.abandon(id)
		default:
			return
		}
	}
}

func (q *Queue) abandon(id string) {
	if q.queued != nil {
		q.queued.Dec()
	}
	job, ok := q.jobs.Load(id)
	if !ok {
		return
	}
	job.Status = StatusFailed
	job.Error = ErrStopped.Error()
	job.ErrorKind = squeezeerr.KindUnknown
	// nothing was touched
	job.SafeToRetry = true
	job.FinishedAt = q.now()
	q.jobs.Store(id, job)
	q.log.Warn("job dropped on stop", "id", id)
}

// Submit validates criteria and queues it. Invalid criteria are rejected
// without creating a job.
func (q *Queue) Submit(criteria types.CompactionCriteria) (Job, error) {
	if err := q.compactor.Validate(&criteria); err != nil {
		return Job{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return Job{}, ErrStopped
	}

	job := Job{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		Criteria:  criteria,
		CreatedAt: q.now(),
	}
	q.jobs.Store(job.ID, job)
	if q.queued != nil {
		q.queued.Inc()
	}

	select {
	case q.in <- job.ID:
	default:
		q.jobs.Delete(job.ID)
		if q.queued != nil {
			q.queued.Dec()
		}
		return Job{}, ErrQueueFull
	}
	q.log.Info("job queued", "id", job.ID, "source", criteria.SourcePath)
	return job, nil
}

func (q *Queue) Get(id string) (Job, bool) {
	return q.jobs.Load(id)
}

// List returns all known jobs ordered by id.
func (q *Queue) List() []Job {
	out := make([]Job, 0, q.jobs.Len())
	q.jobs.Range(func(_ string, job Job) bool {
		out = append(out, job)
		return true
	})
	return out
}

func (q *Queue) handle(ctx context.Context, id string) {
	if q.queued != nil {
		q.queued.Dec()
	}
	job, ok := q.jobs.Load(id)
	if !ok {
		return
	}

	job.Status = StatusRunning
	job.StartedAt = q.now()
	q.jobs.Store(id, job)

	criteria := job.Criteria
	res, err := q.compactor.Compact(ctx, &criteria)

	job.FinishedAt = q.now()
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		job.ErrorKind = squeezeerr.KindOf(err)
		job.SafeToRetry = squeezeerr.SafeToRetry(err)
		q.log.Warn("job failed", "id", id, "kind", job.ErrorKind, "err", err)
	} else {
		job.Status = StatusSucceeded
		q.log.Info("job done", "id", id, "took", job.FinishedAt.Sub(job.StartedAt))
	}
	// failed in-place runs still report where the backup went
	if res.Mode != "" {
		job.Result = &res
	}
	q.jobs.Store(id, job)
}
