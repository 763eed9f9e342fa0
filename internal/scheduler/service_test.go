package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialflow/internal/domain"
	"socialflow/internal/queue"
	"socialflow/internal/sqlitedb"
	"socialflow/internal/store"
)

func TestSettle(t *testing.T) {
	cases := []struct {
		name   string
		counts store.ItemCounts
		want   domain.ProcessStatus
	}{
		{"empty", store.ItemCounts{}, domain.ProcessRunning},
		{"in flight", store.ItemCounts{domain.ItemPublished: 3, domain.ItemQueued: 1}, domain.ProcessRunning},
		{"all published", store.ItemCounts{domain.ItemPublished: 4}, domain.ProcessSuccess},
		{"minority failed", store.ItemCounts{domain.ItemPublished: 3, domain.ItemError: 1}, domain.ProcessSuccess},
		{"half failed", store.ItemCounts{domain.ItemPublished: 2, domain.ItemError: 2}, domain.ProcessError},
		{"all failed", store.ItemCounts{domain.ItemError: 1}, domain.ProcessError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Settle(tc.counts, 0.5))
		})
	}
}

func TestRunOnce_RollsUpAndRecovers(t *testing.T) {
	db, err := sqlitedb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, queue.EnsureSchema(db))
	st := store.NewSQLiteStore(db)
	repo := queue.NewSQLiteRepo(db)
	ctx := context.Background()

	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	mk := func() (domain.Process, []domain.DispatchItem) {
		p, items, err := st.CreateProcess(ctx, domain.Process{Kind: domain.KindPost, Text: "x", Status: domain.ProcessRunning, Active: true},
			[]domain.DispatchItem{{RecipientID: "r1", Kind: domain.KindPost, ScheduledFor: at}, {RecipientID: "r2", Kind: domain.KindPost, ScheduledFor: at}})
		require.NoError(t, err)
		return p, items
	}

	done, doneItems := mk()
	for _, it := range doneItems {
		_, err := st.ClaimItem(ctx, it.ID, "l")
		require.NoError(t, err)
		_, err = st.MarkPublished(ctx, it.ID, "l", "pid", at)
		require.NoError(t, err)
	}
	failed, failedItems := mk()
	for _, it := range failedItems {
		_, err := st.MarkError(ctx, it.ID, "boom")
		require.NoError(t, err)
	}
	busy, _ := mk()

	_, err = repo.Enqueue(ctx, domain.Task{Type: domain.TaskPublish, Payload: []byte(`{}`), NextRunAt: at, VisibilityTimeout: 5})
	require.NoError(t, err)
	_, err = repo.DequeueDue(ctx, "gone", at)
	require.NoError(t, err)

	s := NewService(repo, st, "", 0)
	s.now = func() time.Time { return at.Add(time.Minute) }
	s.RunOnce(ctx)

	for id, want := range map[string]domain.ProcessStatus{done.ID: domain.ProcessSuccess, failed.ID: domain.ProcessError, busy.ID: domain.ProcessRunning} {
		got, err := st.GetProcess(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status)
	}

	tasks, err := repo.ListRecentTasks(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskQueued, tasks[0].State)
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("@every 30s"))
	assert.NoError(t, ValidateCronExpression("*/5 * * * *"))
	assert.Error(t, ValidateCronExpression("every so often"))

	next, err := NextRunTime("0 * * * *", time.Date(2025, 3, 1, 9, 15, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), next)
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := NewService(nil, nil, "nonsense", 0.5)
	assert.Error(t, s.Start(context.Background()))
}

func TestStartLogsNextRun(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	s := NewService(nil, nil, "@every 1h", 0.5)
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	var entry struct {
		Message string    `json:"message"`
		NextRun time.Time `json:"next_run"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "maintenance scheduler started", entry.Message)
	assert.True(t, now.Add(time.Hour).Equal(entry.NextRun))
}
