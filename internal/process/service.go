// Package process accepts process submissions, expands them into dispatch
// items and schedules their tasks.
package process

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"socialflow/internal/domain"
	"socialflow/internal/events"
	"socialflow/internal/handlers/publish"
	"socialflow/internal/handlers/transform"
	"socialflow/internal/queue"
	"socialflow/internal/schedule"
	"socialflow/internal/store"
)

// ErrInvalid marks a submission rejected before anything was stored.
var ErrInvalid = errors.New("invalid process")

type Options struct {
	PublishMaxAttempts int
	DefaultModel       string
}

type Service struct {
	store   store.Store
	repo    queue.Repository
	emitter events.Emitter
	opts    Options
	now     func() time.Time
	newRand func() schedule.Rand
}

func NewService(s store.Store, repo queue.Repository, e events.Emitter, opts Options) *Service {
	if opts.PublishMaxAttempts <= 0 {
		opts.PublishMaxAttempts = 3
	}
	return &Service{
		store:   s,
		repo:    repo,
		emitter: e,
		opts:    opts,
		now:     time.Now,
		newRand: func() schedule.Rand { return rand.New(rand.NewSource(time.Now().UnixNano())) },
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Submit validates p, stores it with one item per recipient and schedules
// every item. Items keep recipient order.
func (s *Service) Submit(ctx context.Context, p domain.Process, recipients []string) (domain.Process, []domain.DispatchItem, error) {
	if err := s.validate(ctx, p, recipients); err != nil {
		return domain.Process{}, nil, err
	}
	if p.UseAI && p.AIModel == "" {
		p.AIModel = s.opts.DefaultModel
	}
	p.Status = domain.ProcessRunning
	p.Active = true
	if p.ScheduledFor != nil {
		at := p.ScheduledFor.UTC().Truncate(time.Millisecond)
		p.ScheduledFor = &at
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	items := schedule.Expand(p, recipients, now, s.newRand())
	if p.ScheduledFor == nil {
		base := now
		p.ScheduledFor = &base
	}

	p, items, err := s.store.CreateProcess(ctx, p, items)
	if err != nil {
		return domain.Process{}, nil, fmt.Errorf("store process: %w", err)
	}
	logger := log.With().Str("process_id", p.ID).Str("kind", string(p.Kind)).Logger()
	logger.Info().Int("items", len(items)).Msg("process created")
	s.emit(ctx, domain.ActionProcessCreate, p)

	for i, it := range items {
		queued, err := s.store.MarkQueued(ctx, it.ID)
		switch {
		case err == nil:
			items[i] = queued
		case errors.Is(err, store.ErrConflict):
		default:
			return p, items, fmt.Errorf("queue item %s: %w", it.ID, err)
		}
		if p.UseAI {
			err = transform.Enqueue(ctx, s.repo, items[i])
		} else {
			err = publish.Enqueue(ctx, s.repo, items[i], s.opts.PublishMaxAttempts)
		}
		if err != nil {
			return p, items, fmt.Errorf("enqueue item %s: %w", it.ID, err)
		}
		s.emit(ctx, domain.ActionItemCreate, items[i])
	}
	return p, items, nil
}

func (s *Service) validate(ctx context.Context, p domain.Process, recipients []string) error {
	if !p.Kind.Valid() {
		return invalid("unknown kind %q", p.Kind)
	}
	if err := schedule.Validate(p, recipients); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch p.Kind {
	case domain.KindPost, domain.KindComment:
		if p.Text == "" {
			return invalid("%s needs text", p.Kind)
		}
	case domain.KindReaction:
		if !p.Reaction.Valid() {
			return invalid("unknown reaction %q", p.Reaction)
		}
	}
	if p.Kind != domain.KindPost && p.ObjectID == "" {
		return invalid("%s needs object_id", p.Kind)
	}

	seen := make(map[string]bool, len(recipients))
	for _, id := range recipients {
		if seen[id] {
			return invalid("recipient %s listed twice", id)
		}
		seen[id] = true
		r, err := s.store.GetRecipient(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return invalid("unknown recipient %s", id)
		}
		if err != nil {
			return err
		}
		if !acceptsRecipient(p.Kind, r.Kind) {
			return invalid("%s cannot target %s recipient %s", p.Kind, r.Kind, id)
		}
	}
	return nil
}

// Posts go to pages and groups; comments and reactions are made as users.
func acceptsRecipient(k domain.ProcessKind, r domain.RecipientKind) bool {
	if k == domain.KindPost {
		return r == domain.RecipientPage || r == domain.RecipientGroup
	}
	return r == domain.RecipientUser
}

func (s *Service) emit(ctx context.Context, action string, v any) {
	if err := s.emitter.Emit(ctx, action, v); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("event not relayed")
	}
}

func (s *Service) Get(ctx context.Context, id string) (domain.Process, error) {
	return s.store.GetProcess(ctx, id)
}

func (s *Service) List(ctx context.Context, pg store.Page) ([]domain.Process, error) {
	return s.store.ListProcesses(ctx, pg)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.CountProcesses(ctx)
}

// Cancel marks the process inactive. Items already published stay published;
// the rest settle as error when their tasks run.
func (s *Service) Cancel(ctx context.Context, id string) (domain.Process, error) {
	p, err := s.store.SetProcessActive(ctx, id, false)
	if err != nil {
		return domain.Process{}, err
	}
	log.Info().Str("process_id", id).Msg("process cancelled")
	return p, nil
}

func (s *Service) Items(ctx context.Context, f store.ItemFilter) ([]domain.DispatchItem, error) {
	return s.store.ListItems(ctx, f)
}

func (s *Service) CountItems(ctx context.Context, f store.ItemFilter) (int, error) {
	return s.store.CountItems(ctx, f)
}

func (s *Service) Item(ctx context.Context, id string) (domain.DispatchItem, error) {
	return s.store.GetItem(ctx, id)
}

func (s *Service) PurgeItems(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeItems(ctx)
	if err == nil {
		log.Warn().Int64("items", n).Msg("dispatch items purged")
	}
	return n, err
}
