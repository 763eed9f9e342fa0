package schedule

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialflow/internal/domain"
)

type fixedRand struct{ n int }

func (f fixedRand) Intn(int) int { return f.n }

func intp(v int) *int { return &v }

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestExpand_FixedInterval(t *testing.T) {
	p := domain.Process{ID: "prc_1", Kind: domain.KindPost, Text: "hi", ScheduledFor: &t0, Interval: intp(30)}

	items := Expand(p, []string{"A", "B", "C"}, time.Now(), nil)

	require.Len(t, items, 3)
	want := []time.Time{t0, t0.Add(30 * time.Minute), t0.Add(60 * time.Minute)}
	for i, it := range items {
		assert.Equal(t, want[i], it.ScheduledFor)
		assert.Equal(t, domain.ItemPending, it.Status)
		assert.Equal(t, "prc_1", it.ProcessID)
		assert.Equal(t, "hi", it.Content)
	}
	assert.Equal(t, []string{"A", "B", "C"}, []string{items[0].RecipientID, items[1].RecipientID, items[2].RecipientID})
}

func TestExpand_FixedIntervalProperty(t *testing.T) {
	for _, interval := range []int{1, 7, 45, 1440} {
		for n := 1; n <= 20; n++ {
			rcpts := make([]string, n)
			for i := range rcpts {
				rcpts[i] = "r"
			}
			p := domain.Process{ScheduledFor: &t0, Interval: intp(interval)}
			items := Expand(p, rcpts, time.Now(), nil)
			for k, it := range items {
				assert.Equal(t, t0.Add(time.Duration(k*interval)*time.Minute), it.ScheduledFor)
			}
		}
	}
}

func TestExpand_RandomRange(t *testing.T) {
	p := domain.Process{ScheduledFor: &t0, RangeStart: intp(10), RangeEnd: intp(20)}

	items := Expand(p, []string{"A", "B"}, time.Now(), fixedRand{n: 5})

	require.Len(t, items, 2)
	assert.Equal(t, t0, items[0].ScheduledFor)
	assert.Equal(t, t0.Add(15*time.Minute), items[1].ScheduledFor)
}

func TestExpand_RandomRangeBoundsAndSeed(t *testing.T) {
	p := domain.Process{ScheduledFor: &t0, RangeStart: intp(10), RangeEnd: intp(20)}
	rcpts := make([]string, 50)

	a := Expand(p, rcpts, time.Now(), rand.New(rand.NewSource(42)))
	b := Expand(p, rcpts, time.Now(), rand.New(rand.NewSource(42)))
	assert.Equal(t, a, b)

	for k := 1; k < len(a); k++ {
		gap := a[k].ScheduledFor.Sub(a[k-1].ScheduledFor)
		assert.GreaterOrEqual(t, gap, 10*time.Minute)
		assert.LessOrEqual(t, gap, 20*time.Minute)
	}
}

func TestExpand_IntervalWinsOverRange(t *testing.T) {
	p := domain.Process{ScheduledFor: &t0, Interval: intp(5), RangeStart: intp(10), RangeEnd: intp(20)}

	items := Expand(p, []string{"A", "B"}, time.Now(), fixedRand{n: 3})

	assert.Equal(t, t0.Add(5*time.Minute), items[1].ScheduledFor)
}

func TestExpand_ZeroIntervalCollapses(t *testing.T) {
	p := domain.Process{ScheduledFor: &t0, Interval: intp(0)}

	items := Expand(p, []string{"A", "B", "C", "D"}, time.Now(), nil)

	for _, it := range items {
		assert.Equal(t, t0, it.ScheduledFor)
	}
}

func TestExpand_DefaultsToNow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := domain.Process{Interval: intp(10)}

	items := Expand(p, []string{"A", "B"}, now, nil)

	assert.Equal(t, now, items[0].ScheduledFor)
	assert.Equal(t, now.Add(10*time.Minute), items[1].ScheduledFor)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		p     domain.Process
		rcpts []string
		err   error
	}{
		{"ok fixed", domain.Process{Interval: intp(10)}, []string{"a"}, nil},
		{"ok range", domain.Process{RangeStart: intp(0), RangeEnd: intp(3)}, []string{"a"}, nil},
		{"ok none", domain.Process{}, []string{"a"}, nil},
		{"no recipients", domain.Process{}, nil, ErrNoRecipients},
		{"negative interval", domain.Process{Interval: intp(-1)}, []string{"a"}, ErrBadInterval},
		{"half range", domain.Process{RangeStart: intp(1)}, []string{"a"}, ErrBadInterval},
		{"inverted range", domain.Process{RangeStart: intp(9), RangeEnd: intp(3)}, []string{"a"}, ErrBadInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.p, tt.rcpts)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
