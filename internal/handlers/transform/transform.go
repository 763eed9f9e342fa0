// Package transform rewrites an item's content through a text model before
// it is published. The rewrite is best-effort: any failure keeps the
// original text.
package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"socialflow/internal/domain"
	"socialflow/internal/events"
	"socialflow/internal/handlers/publish"
	"socialflow/internal/queue"
	"socialflow/internal/store"
	"socialflow/internal/worker"
)

type Transformer interface {
	Transform(ctx context.Context, text, model string) (string, error)
}

// Handler runs the rewrite and then schedules the item's publish task, so
// publishing never races ahead of the rewrite.
type Handler struct {
	store              store.Store
	repo               queue.Repository
	transformer        Transformer
	emitter            events.Emitter
	publishMaxAttempts int
}

func New(s store.Store, repo queue.Repository, t Transformer, e events.Emitter, publishMaxAttempts int) *Handler {
	return &Handler{store: s, repo: repo, transformer: t, emitter: e, publishMaxAttempts: publishMaxAttempts}
}

// Enqueue schedules the rewrite of item to run immediately.
func Enqueue(ctx context.Context, repo queue.Repository, item domain.DispatchItem) error {
	payload, err := json.Marshal(domain.ItemPayload{ItemID: item.ID})
	if err != nil {
		return err
	}
	key := "transform:" + item.ID
	_, err = repo.Enqueue(ctx, domain.Task{Type: domain.TaskTransform, Payload: payload, Priority: 7, IdempotencyKey: &key})
	return err
}

func (h *Handler) Handle(ctx context.Context, task domain.Task) error {
	var p domain.ItemPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.ItemID == "" {
		return worker.Permanent(fmt.Errorf("bad transform payload: %w", err))
	}
	item, err := h.store.GetItem(ctx, p.ItemID)
	if errors.Is(err, store.ErrNotFound) {
		return worker.Permanent(err)
	}
	if err != nil {
		return err
	}
	if err := h.rewrite(ctx, item); err != nil {
		return err
	}
	return publish.Enqueue(ctx, h.repo, item, h.publishMaxAttempts)
}

// DeadLetter still schedules the publish so the item settles.
func (h *Handler) DeadLetter(ctx context.Context, task domain.Task, cause error) {
	var p domain.ItemPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.ItemID == "" {
		return
	}
	item, err := h.store.GetItem(ctx, p.ItemID)
	if err != nil {
		return
	}
	if err := publish.Enqueue(ctx, h.repo, item, h.publishMaxAttempts); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("schedule publish after failed rewrite")
	}
}

func (h *Handler) rewrite(ctx context.Context, item domain.DispatchItem) error {
	logger := log.With().Str("item_id", item.ID).Logger()
	if item.Status.Terminal() {
		return nil
	}
	proc, err := h.store.GetProcess(ctx, item.ProcessID)
	if err != nil {
		return err
	}
	if !proc.Active || !proc.UseAI {
		return nil
	}

	// Always rewrite the template so a redelivered task yields the same result.
	text, err := h.transformer.Transform(ctx, proc.Text, proc.AIModel)
	if err != nil {
		logger.Warn().Err(err).Msg("rewrite failed, keeping original text")
		return nil
	}
	updated, err := h.store.SetContent(ctx, item.ID, text)
	if errors.Is(err, store.ErrConflict) {
		logger.Debug().Str("status", string(updated.Status)).Msg("item moved on before rewrite landed")
		return nil
	}
	if err != nil {
		return err
	}
	if err := h.emitter.Emit(ctx, domain.ActionItemUpdate, updated); err != nil {
		logger.Warn().Err(err).Msg("item update not relayed")
	}
	return nil
}
