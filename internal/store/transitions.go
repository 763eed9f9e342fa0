package store

import (
	"context"
	"strings"
	"time"

	"socialflow/internal/domain"
	"socialflow/internal/sqlitedb"
)

// transition moves an item to `to` only if its current status may advance
// there, applying set/args in the same statement. extra narrows the match.
func (s *sqliteStore) transition(ctx context.Context, id string, to domain.ItemStatus, set string, args []any, extra string, extraArgs ...any) (domain.DispatchItem, error) {
	from := domain.Predecessors(to)
	if len(from) == 0 {
		return domain.DispatchItem{}, ErrConflict
	}
	q := `UPDATE dispatch_items SET status=?, updated_at=?`
	all := []any{to, sqlitedb.Millis(s.now())}
	if set != "" {
		q += ", " + set
		all = append(all, args...)
	}
	q += ` WHERE id=? AND status IN (?` + strings.Repeat(",?", len(from)-1) + `)`
	all = append(all, id)
	for _, st := range from {
		all = append(all, st)
	}
	if extra != "" {
		q += " AND " + extra
		all = append(all, extraArgs...)
	}
	return s.apply(ctx, id, q, all)
}

func (s *sqliteStore) apply(ctx context.Context, id, q string, args []any) (domain.DispatchItem, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return domain.DispatchItem{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.DispatchItem{}, err
	}
	it, err := s.GetItem(ctx, id)
	if err != nil {
		return domain.DispatchItem{}, err
	}
	if n == 0 {
		return it, ErrConflict
	}
	return it, nil
}

func (s *sqliteStore) MarkQueued(ctx context.Context, id string) (domain.DispatchItem, error) {
	return s.transition(ctx, id, domain.ItemQueued, "", nil, "")
}

// SetContent replaces rendered content while the item has not started publishing.
func (s *sqliteStore) SetContent(ctx context.Context, id, content string) (domain.DispatchItem, error) {
	return s.apply(ctx, id, `UPDATE dispatch_items SET content=?, updated_at=? WHERE id=? AND status IN (?,?)`,
		[]any{content, sqlitedb.Millis(s.now()), id, domain.ItemPending, domain.ItemQueued})
}

// ClaimItem marks the item running under leaseToken. A running item can be
// reclaimed with a new token; the queue guarantees a single live holder.
func (s *sqliteStore) ClaimItem(ctx context.Context, id, leaseToken string) (domain.DispatchItem, error) {
	return s.transition(ctx, id, domain.ItemRunning, "lease_token=?", []any{leaseToken}, "")
}

func (s *sqliteStore) MarkPublished(ctx context.Context, id, leaseToken, platformID string, at time.Time) (domain.DispatchItem, error) {
	return s.transition(ctx, id, domain.ItemPublished,
		"platform_id=?, published_at=?, error=''", []any{platformID, sqlitedb.Millis(at)},
		"status='running' AND lease_token=?", leaseToken)
}

func (s *sqliteStore) MarkError(ctx context.Context, id, reason string) (domain.DispatchItem, error) {
	return s.transition(ctx, id, domain.ItemError, "error=?", []any{reason}, "")
}
