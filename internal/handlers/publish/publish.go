// Package publish performs a dispatch item's platform action at its
// scheduled time.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"socialflow/internal/clients/graph"
	"socialflow/internal/domain"
	"socialflow/internal/events"
	"socialflow/internal/metrics"
	"socialflow/internal/queue"
	"socialflow/internal/store"
	"socialflow/internal/worker"
)

const reasonCancelled = "process cancelled"

// Publisher is the external platform.
type Publisher interface {
	Publish(ctx context.Context, cred domain.Credential, content graph.Content) (string, error)
}

type Handler struct {
	store     store.Store
	publisher Publisher
	emitter   events.Emitter
	now       func() time.Time
	pick      func(n int) int
}

func New(s store.Store, p Publisher, e events.Emitter) *Handler {
	return &Handler{store: s, publisher: p, emitter: e, now: time.Now, pick: rand.IntN}
}

// Enqueue schedules the publish task for item. It is keyed by item id, so
// repeated calls schedule it once.
func Enqueue(ctx context.Context, repo queue.Repository, item domain.DispatchItem, maxAttempts int) error {
	payload, err := json.Marshal(domain.ItemPayload{ItemID: item.ID})
	if err != nil {
		return err
	}
	key := "publish:" + item.ID
	_, err = repo.Enqueue(ctx, domain.Task{
		Type:           domain.TaskPublish,
		Payload:        payload,
		NextRunAt:      item.ScheduledFor,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: &key,
	})
	return err
}

func (h *Handler) Handle(ctx context.Context, task domain.Task) error {
	var p domain.ItemPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.ItemID == "" {
		return worker.Permanent(fmt.Errorf("bad publish payload: %w", err))
	}
	logger := log.With().Str("item_id", p.ItemID).Str("task_id", task.ID).Logger()

	item, err := h.store.GetItem(ctx, p.ItemID)
	if err != nil {
		return notFoundPermanent(err)
	}
	if item.Status.Terminal() {
		logger.Debug().Str("status", string(item.Status)).Msg("item already settled")
		return nil
	}
	proc, err := h.store.GetProcess(ctx, item.ProcessID)
	if err != nil {
		return notFoundPermanent(err)
	}
	if !proc.Active {
		h.settle(ctx, item.ID, reasonCancelled)
		return nil
	}

	item, err = h.store.ClaimItem(ctx, item.ID, task.LeaseToken)
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	h.emit(ctx, item)

	cred, err := h.store.Resolve(ctx, item.RecipientID)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrNoCredential) {
		return worker.Permanent(err)
	}
	if err != nil {
		return err
	}

	platformID, err := h.publisher.Publish(ctx, cred, graph.Content{
		Kind:     item.Kind,
		Message:  item.Content,
		ObjectID: proc.ObjectID,
		Reaction: h.reaction(proc.Reaction),
	})
	if err != nil {
		var apiErr *graph.APIError
		if errors.Is(err, graph.ErrBadRequest) || (errors.As(err, &apiErr) && !apiErr.Retryable()) {
			return worker.Permanent(err)
		}
		return err
	}

	item, err = h.store.MarkPublished(ctx, item.ID, task.LeaseToken, platformID, h.now())
	if errors.Is(err, store.ErrConflict) {
		logger.Warn().Str("status", string(item.Status)).Msg("item changed hands before publish was recorded")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info().Str("platform_id", platformID).Msg("item published")
	metrics.RecordItemSettled(string(item.Kind), string(item.Status))
	h.emit(ctx, item)
	return nil
}

// DeadLetter settles the item as error once its task will not run again.
func (h *Handler) DeadLetter(ctx context.Context, task domain.Task, cause error) {
	var p domain.ItemPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.ItemID == "" {
		return
	}
	h.settle(ctx, p.ItemID, cause.Error())
}

func (h *Handler) settle(ctx context.Context, itemID, reason string) {
	item, err := h.store.MarkError(ctx, itemID, reason)
	if err != nil {
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("item_id", itemID).Msg("mark item error")
		}
		return
	}
	log.Warn().Str("item_id", itemID).Str("reason", reason).Msg("item failed")
	metrics.RecordItemSettled(string(item.Kind), string(item.Status))
	h.emit(ctx, item)
}

func (h *Handler) emit(ctx context.Context, item domain.DispatchItem) {
	if err := h.emitter.Emit(ctx, domain.ActionItemUpdate, item); err != nil {
		log.Warn().Err(err).Str("item_id", item.ID).Msg("item update not relayed")
	}
}

func (h *Handler) reaction(r domain.ReactionType) domain.ReactionType {
	if r != domain.ReactionRandom {
		return r
	}
	return domain.ConcreteReactions[h.pick(len(domain.ConcreteReactions))]
}

func notFoundPermanent(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return worker.Permanent(err)
	}
	return err
}
