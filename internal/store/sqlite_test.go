package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialflow/internal/domain"
	"socialflow/internal/sqlitedb"
)

func newTestStore(t *testing.T) *sqliteStore {
	t.Helper()
	db, err := sqlitedb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewSQLiteStore(db).(*sqliteStore)
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func seedProcess(t *testing.T, s *sqliteStore, recipients ...string) (domain.Process, []domain.DispatchItem) {
	t.Helper()
	interval := 30
	p := domain.Process{Kind: domain.KindPost, Name: "launch", Text: "hello", ScheduledFor: &t0, Interval: &interval, Status: domain.ProcessRunning, Active: true}
	items := make([]domain.DispatchItem, len(recipients))
	for i, r := range recipients {
		items[i] = domain.DispatchItem{RecipientID: r, Kind: domain.KindPost, Content: "hello", ScheduledFor: t0.Add(time.Duration(i*interval) * time.Minute)}
	}
	p, items, err := s.CreateProcess(context.Background(), p, items)
	require.NoError(t, err)
	return p, items
}

func TestCreateProcess_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, items := seedProcess(t, s, "rcp_a", "rcp_b", "rcp_c")

	got, err := s.GetProcess(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "launch", got.Name)
	assert.Equal(t, t0, *got.ScheduledFor)
	assert.Equal(t, 30, *got.Interval)
	assert.Nil(t, got.RangeStart)
	assert.True(t, got.Active)

	listed, err := s.ListItems(ctx, ItemFilter{ProcessID: p.ID, Page: Page{Limit: 10}})
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, it := range listed {
		assert.Equal(t, items[i].ID, it.ID)
		assert.Equal(t, t0.Add(time.Duration(i*30)*time.Minute), it.ScheduledFor)
		assert.Equal(t, domain.ItemPending, it.Status)
	}
}

func TestCreateProcess_OneItemPerRecipient(t *testing.T) {
	s := newTestStore(t)
	p := domain.Process{Kind: domain.KindPost, Name: "dup", Active: true}
	items := []domain.DispatchItem{{RecipientID: "rcp_a", ScheduledFor: t0}, {RecipientID: "rcp_a", ScheduledFor: t0}}

	_, _, err := s.CreateProcess(context.Background(), p, items)
	assert.Error(t, err)

	n, err := s.CountProcesses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "failed insert must roll back the process")
}

func TestTransitions_Forward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, items := seedProcess(t, s, "rcp_a")
	id := items[0].ID

	it, err := s.MarkQueued(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemQueued, it.Status)

	it, err = s.SetContent(ctx, id, "rewritten")
	require.NoError(t, err)
	assert.Equal(t, "rewritten", it.Content)

	it, err = s.ClaimItem(ctx, id, "lease-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ItemRunning, it.Status)

	it, err = s.MarkPublished(ctx, id, "lease-1", "fb_123", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemPublished, it.Status)
	require.NotNil(t, it.PlatformID)
	assert.Equal(t, "fb_123", *it.PlatformID)
	assert.Equal(t, t0, *it.PublishedAt)
}

func TestTransitions_NeverRegress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, items := seedProcess(t, s, "rcp_a")
	id := items[0].ID

	_, err := s.ClaimItem(ctx, id, "lease-1")
	require.NoError(t, err)
	_, err = s.MarkPublished(ctx, id, "lease-1", "fb_1", t0)
	require.NoError(t, err)

	_, err = s.MarkQueued(ctx, id)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = s.ClaimItem(ctx, id, "lease-2")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = s.MarkError(ctx, id, "late failure")
	assert.ErrorIs(t, err, ErrConflict)
	it, err := s.SetContent(ctx, id, "too late")
	assert.ErrorIs(t, err, ErrConflict)

	assert.Equal(t, domain.ItemPublished, it.Status)
	assert.Equal(t, "hello", it.Content)
}

func TestMarkPublished_RequiresLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, items := seedProcess(t, s, "rcp_a")
	id := items[0].ID

	_, err := s.ClaimItem(ctx, id, "old")
	require.NoError(t, err)
	_, err = s.ClaimItem(ctx, id, "new")
	require.NoError(t, err)

	_, err = s.MarkPublished(ctx, id, "old", "fb_1", t0)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = s.MarkPublished(ctx, id, "new", "fb_1", t0)
	assert.NoError(t, err)
}

func TestGetItem_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetItem(context.Background(), "itm_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.MarkError(context.Background(), "itm_missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	page, err := s.UpsertRecipient(ctx, domain.Recipient{Kind: domain.RecipientPage, Name: "Shop", PlatformID: "1001", AccessToken: "tok"})
	require.NoError(t, err)
	bare, err := s.UpsertRecipient(ctx, domain.Recipient{Kind: domain.RecipientGroup, Name: "Fans", PlatformID: "2002"})
	require.NoError(t, err)

	cred, err := s.Resolve(ctx, page.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Credential{AccessToken: "tok", PlatformID: "1001"}, cred)

	_, err = s.Resolve(ctx, bare.ID)
	assert.ErrorIs(t, err, ErrNoCredential)

	_, err = s.Resolve(ctx, "rcp_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertRecipient_UpdatesToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.UpsertRecipient(ctx, domain.Recipient{Kind: domain.RecipientUser, Name: "Ann", PlatformID: "u1", AccessToken: "old"})
	require.NoError(t, err)
	b, err := s.UpsertRecipient(ctx, domain.Recipient{Kind: domain.RecipientUser, Name: "Ann", PlatformID: "u1", AccessToken: "new"})
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "new", b.AccessToken)

	users, err := s.ListRecipients(ctx, domain.RecipientUser)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestCountsAndPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, items := seedProcess(t, s, "rcp_a", "rcp_b", "rcp_c")

	_, err := s.MarkError(ctx, items[0].ID, "boom")
	require.NoError(t, err)

	counts, err := s.CountItemsByStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.ItemPending])
	assert.Equal(t, 1, counts[domain.ItemError])
	assert.Equal(t, 3, counts.Total())

	n, err := s.CountItems(ctx, ItemFilter{Status: domain.ItemError})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	purged, err := s.PurgeItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), purged)
}

func TestListProcesses_Search(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProcess(t, s, "rcp_a")
	_, _, err := s.CreateProcess(ctx, domain.Process{Kind: domain.KindReaction, Name: "likes", Active: true}, nil)
	require.NoError(t, err)

	all, err := s.ListProcesses(ctx, Page{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	found, err := s.ListProcesses(ctx, Page{Limit: 10, Search: "launch"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "launch", found[0].Name)

	p, err := s.SetProcessActive(ctx, found[0].ID, false)
	require.NoError(t, err)
	assert.False(t, p.Active)
}
