package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zerodha/logf"

	"github.com/outpacehq/engagement-engine/internal/errs"
	"github.com/outpacehq/engagement-engine/models"
)

// Handler processes one leased job. A returned error is classified via
// errs.KindOf to decide the job's disposition; a plain (unwrapped) error is
// treated as a generic transient failure so a single unclassified error
// cannot wedge a worker forever.
type Handler interface {
	HandleJob(ctx context.Context, job models.Job) error
}

// ErrHandled is a sentinel a Handler returns when it has already moved the
// job to its terminal or next state itself (e.g. the campaign engine's
// soft-pause requeue at spec.md §4.E step 2, which needs a fixed 30s delay
// rather than the queue's exponential backoff). The pool neither completes
// nor fails a job whose handler returns ErrHandled.
var ErrHandled = errors.New("queue: job already handled by caller")

// Pool is the general worker pool of spec.md §5: a fixed number of
// goroutines leasing any registered job kind. Grounded on the teacher's
// Manager.Run spawning N worker() goroutines over a shared queue
// (internal/manager/manager.go), generalized from an in-memory channel of
// pre-rendered messages to leasing rows straight from internal/queue.
type Pool struct {
	queue         *Queue
	log           logf.Logger
	handlers      map[string]Handler
	size          int
	pollInterval  time.Duration
	leaseDuration time.Duration
	batchSize     int

	wg sync.WaitGroup
}

// NewPool builds a worker pool. Register handlers with Register before
// calling Run.
func NewPool(q *Queue, log logf.Logger, size int, pollInterval, leaseDuration time.Duration, batchSize int) *Pool {
	return &Pool{
		queue:         q,
		log:           log.With("component", "worker_pool"),
		handlers:      make(map[string]Handler),
		size:          size,
		pollInterval:  pollInterval,
		leaseDuration: leaseDuration,
		batchSize:     batchSize,
	}
}

// Register binds a Handler to a job kind. Must be called before Run.
func (p *Pool) Register(kind string, h Handler) {
	p.handlers[kind] = h
}

func (p *Pool) kinds() []string {
	kinds := make([]string, 0, len(p.handlers))
	for k := range p.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Run blocks, running p.size worker goroutines until ctx is cancelled, then
// waits for in-flight jobs to finish.
func (p *Pool) Run(ctx context.Context) {
	kinds := p.kinds()
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i)
		go p.loop(ctx, workerID, kinds)
	}
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string, kinds []string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.leaseAndRun(ctx, workerID, kinds)
		}
	}
}

func (p *Pool) leaseAndRun(ctx context.Context, workerID string, kinds []string) {
	if len(kinds) == 0 {
		return
	}
	jobs, err := p.queue.Lease(ctx, kinds, p.batchSize, p.leaseDuration)
	if err != nil {
		p.log.Error("lease failed", "worker", workerID, "error", err)
		return
	}
	for _, job := range jobs {
		p.runOne(ctx, job)
	}
}

func (p *Pool) runOne(ctx context.Context, job models.Job) {
	handler, ok := p.handlers[job.Kind]
	if !ok {
		p.log.Error("no handler for job kind", "job_id", job.ID, "kind", job.Kind)
		_ = p.queue.Fail(ctx, job.ID, fmt.Errorf("unknown job kind %q", job.Kind), false)
		return
	}

	// Each job gets a soft deadline (spec.md §5: default 5 min); on deadline
	// the worker cancels adapter I/O but still records whatever outcome the
	// handler observed before returning.
	jobCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	err := p.safeHandle(jobCtx, handler, job)
	if err == nil {
		if cerr := p.queue.Complete(ctx, job.ID); cerr != nil {
			p.log.Error("complete failed", "job_id", job.ID, "error", cerr)
		}
		return
	}
	if errors.Is(err, ErrHandled) {
		return
	}

	kind := errs.KindOf(err)
	if kind == errs.AuthFailed || kind == errs.CryptoCorrupted {
		_ = p.queue.Kill(ctx, job.ID, err)
		return
	}
	retryable := kind == "" || errs.Retryable(kind)
	if ferr := p.queue.Fail(ctx, job.ID, err, retryable); ferr != nil {
		p.log.Error("fail() failed", "job_id", job.ID, "error", ferr)
	}
}

// safeHandle recovers a panicking handler into a generic failure so one
// poison job cannot take a worker goroutine down with it.
func (p *Pool) safeHandle(ctx context.Context, h Handler, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.HandleJob(ctx, job)
}
