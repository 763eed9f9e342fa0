// Package scheduler runs periodic maintenance: stale lease recovery and
// process status roll-up.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"socialflow/internal/domain"
	"socialflow/internal/queue"
	"socialflow/internal/store"
)

type Service struct {
	repo           queue.Repository
	store          store.Store
	cron           *cron.Cron
	spec           string
	errorThreshold float64
	now            func() time.Time
	mu             sync.Mutex
}

func NewService(repo queue.Repository, s store.Store, spec string, errorThreshold float64) *Service {
	if spec == "" {
		spec = "@every 30s"
	}
	if errorThreshold <= 0 || errorThreshold > 1 {
		errorThreshold = 0.5
	}
	return &Service{
		repo:           repo,
		store:          s,
		cron:           cron.New(),
		spec:           spec,
		errorThreshold: errorThreshold,
		now:            time.Now,
	}
}

// Start registers the maintenance job and runs it in the background.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	ev := log.Info().Str("spec", s.spec)
	if next, err := NextRunTime(s.spec, s.now()); err == nil {
		ev = ev.Time("next_run", next)
	}
	ev.Msg("maintenance scheduler started")
	return nil
}

// Stop waits for a running job to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce performs one maintenance pass. Overlapping passes are skipped.
func (s *Service) RunOnce(ctx context.Context) {
	if !s.mu.TryLock() {
		return
	}
	defer s.mu.Unlock()

	if n, err := s.repo.RecoverStale(ctx, s.now()); err != nil {
		log.Error().Err(err).Msg("failed to recover stale tasks")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("requeued tasks with expired leases")
	}

	procs, err := s.store.ListProcessesByStatus(ctx, domain.ProcessRunning)
	if err != nil {
		log.Error().Err(err).Msg("failed to list running processes")
		return
	}
	for _, p := range procs {
		if err := s.rollUp(ctx, p); err != nil {
			log.Error().Err(err).Str("process_id", p.ID).Msg("failed to roll up process status")
		}
	}
}

func (s *Service) rollUp(ctx context.Context, p domain.Process) error {
	counts, err := s.store.CountItemsByStatus(ctx, p.ID)
	if err != nil {
		return err
	}
	status := Settle(counts, s.errorThreshold)
	if status == p.Status {
		return nil
	}
	if err := s.store.SetProcessStatus(ctx, p.ID, status); err != nil {
		return err
	}
	log.Info().
		Str("process_id", p.ID).
		Str("status", string(status)).
		Int("published", counts[domain.ItemPublished]).
		Int("failed", counts[domain.ItemError]).
		Msg("process finished")
	return nil
}

// Settle derives a process status from its item counts. A process with
// unsettled items is running; otherwise it failed when the share of failed
// items reaches threshold.
func Settle(counts store.ItemCounts, threshold float64) domain.ProcessStatus {
	total := counts.Total()
	if total == 0 {
		return domain.ProcessRunning
	}
	if counts[domain.ItemPending]+counts[domain.ItemQueued]+counts[domain.ItemRunning] > 0 {
		return domain.ProcessRunning
	}
	if float64(counts[domain.ItemError])/float64(total) >= threshold {
		return domain.ProcessError
	}
	return domain.ProcessSuccess
}

// ValidateCronExpression validates a maintenance schedule spec.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
