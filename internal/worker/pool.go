package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"socialflow/internal/domain"
	"socialflow/internal/metrics"
	"socialflow/internal/queue"
)

type Handler interface {
	Handle(ctx context.Context, task domain.Task) error
}

// DeadLetterHandler is implemented by handlers that own state which must be
// settled once their task will not run again.
type DeadLetterHandler interface {
	DeadLetter(ctx context.Context, task domain.Task, cause error)
}

type Pool struct {
	id        string
	repo      queue.Repository
	handlers  map[string]Handler
	sem       chan struct{}
	pollEvery time.Duration
	now       func() time.Time
	wg        sync.WaitGroup
}

func NewPool(repo queue.Repository, handlers map[string]Handler, size int, pollEvery time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		id:        "wrk_" + uuid.NewString(),
		repo:      repo,
		handlers:  handlers,
		sem:       make(chan struct{}, size),
		pollEvery: pollEvery,
		now:       time.Now,
	}
}

// Run polls the queue until ctx is cancelled, then waits for in-flight tasks.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	log.Info().Str("worker", p.id).Int("size", cap(p.sem)).Dur("poll", p.pollEvery).Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			log.Info().Str("worker", p.id).Msg("worker pool stopped")
			return
		case <-t.C:
			p.dispatchDue(ctx, p.now())
		}
	}
}

// Drain claims every task due at now, runs them and waits for completion.
func (p *Pool) Drain(ctx context.Context, now time.Time) int {
	n := p.dispatchDue(ctx, now)
	p.wg.Wait()
	return n
}

func (p *Pool) dispatchDue(ctx context.Context, now time.Time) int {
	n := 0
	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return n
		}
		task, err := p.repo.DequeueDue(ctx, p.id, now)
		if err != nil {
			<-p.sem
			if !errors.Is(err, queue.ErrEmpty) {
				log.Error().Err(err).Msg("dequeue failed")
			}
			return n
		}
		n++
		p.wg.Add(1)
		go func(tk domain.Task) {
			defer func() { <-p.sem; p.wg.Done() }()
			p.execute(ctx, tk)
		}(task)
	}
}

func (p *Pool) execute(ctx context.Context, tk domain.Task) {
	start := time.Now()
	logger := log.With().Str("task_id", tk.ID).Str("type", tk.Type).Int("attempt", tk.Attempts).Logger()

	h, ok := p.handlers[tk.Type]
	if !ok {
		p.deadLetter(ctx, tk, nil, fmt.Errorf("no handler for task type %q", tk.Type))
		metrics.RecordTask(tk.Type, "unhandled", time.Since(start))
		return
	}
	// A task redelivered after repeated crashes has used up its attempts
	// before it gets here.
	if tk.Attempts > tk.MaxAttempts {
		p.deadLetter(ctx, tk, h, fmt.Errorf("attempts exhausted (%d/%d)", tk.Attempts-1, tk.MaxAttempts))
		metrics.RecordTask(tk.Type, "dead", time.Since(start))
		return
	}

	c, cancel := context.WithTimeout(ctx, time.Duration(tk.VisibilityTimeout)*time.Second)
	err := h.Handle(c, tk)
	cancel()

	if err == nil {
		if ackErr := p.repo.Ack(ctx, tk.ID, tk.LeaseToken); ackErr != nil {
			logger.Warn().Err(ackErr).Msg("ack failed")
		}
		metrics.RecordTask(tk.Type, "succeeded", time.Since(start))
		return
	}

	if !IsPermanent(err) && tk.Attempts < tk.MaxAttempts {
		next := p.now().Add(backoffExp(tk.Attempts))
		if failErr := p.repo.Fail(ctx, tk.ID, tk.LeaseToken, err.Error(), true, next); failErr != nil {
			logger.Warn().Err(failErr).Msg("requeue failed")
		}
		logger.Warn().Err(err).Time("next_run", next).Msg("task failed, will retry")
		metrics.RecordTask(tk.Type, "retry", time.Since(start))
		return
	}

	p.deadLetter(ctx, tk, h, err)
	metrics.RecordTask(tk.Type, "dead", time.Since(start))
}

func (p *Pool) deadLetter(ctx context.Context, tk domain.Task, h Handler, cause error) {
	logger := log.With().Str("task_id", tk.ID).Str("type", tk.Type).Int("attempt", tk.Attempts).Logger()
	if err := p.repo.Fail(ctx, tk.ID, tk.LeaseToken, cause.Error(), false, time.Time{}); err != nil {
		// Someone else holds the task now; they settle it.
		logger.Warn().Err(err).Msg("dead-letter failed")
		return
	}
	logger.Error().Err(cause).Msg("task dead-lettered")
	if dl, ok := h.(DeadLetterHandler); ok {
		dl.DeadLetter(ctx, tk, cause)
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 7 {
		return 60 * time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
