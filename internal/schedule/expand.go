// Package schedule turns a process definition into time-stamped dispatch items.
package schedule

import (
	"errors"
	"time"

	"socialflow/internal/domain"
)

var (
	ErrNoRecipients = errors.New("at least one recipient is required")
	ErrBadInterval  = errors.New("invalid interval configuration")
)

// Rand is the random source used for ranged intervals. *math/rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
}

// Validate rejects interval combinations that cannot be expanded.
func Validate(p domain.Process, recipients []string) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	if p.Interval != nil && *p.Interval < 0 {
		return ErrBadInterval
	}
	if (p.RangeStart == nil) != (p.RangeEnd == nil) {
		return ErrBadInterval
	}
	if p.RangeStart != nil {
		if *p.RangeStart < 0 || *p.RangeEnd < *p.RangeStart {
			return ErrBadInterval
		}
	}
	return nil
}

// Expand emits one pending item per recipient, in recipient order. The first
// item is stamped with the process base time (or now) and each following item
// is offset from its predecessor by the step returned from Step.
func Expand(p domain.Process, recipients []string, now time.Time, rnd Rand) []domain.DispatchItem {
	cursor := now
	if p.ScheduledFor != nil {
		cursor = *p.ScheduledFor
	}
	items := make([]domain.DispatchItem, 0, len(recipients))
	for _, rid := range recipients {
		items = append(items, domain.DispatchItem{
			ProcessID:    p.ID,
			RecipientID:  rid,
			Kind:         p.Kind,
			ScheduledFor: cursor,
			Status:       domain.ItemPending,
			Content:      p.Text,
		})
		cursor = cursor.Add(Step(p, rnd))
	}
	return items
}

// Step is the gap between two consecutive items. A zero interval counts as
// unset, so a process with interval 0 and no range collapses every item onto
// the base time. A fixed interval wins over a range.
func Step(p domain.Process, rnd Rand) time.Duration {
	switch {
	case p.Interval != nil && *p.Interval > 0:
		return time.Duration(*p.Interval) * time.Minute
	case p.RangeStart != nil && p.RangeEnd != nil:
		lo, hi := *p.RangeStart, *p.RangeEnd
		return time.Duration(lo+rnd.Intn(hi-lo+1)) * time.Minute
	}
	return 0
}
