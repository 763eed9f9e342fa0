// Package store persists processes, dispatch items and recipients, and acts
// as the identity provider that resolves recipients to platform credentials.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"socialflow/internal/domain"
	"socialflow/internal/sqlitedb"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the row exists but is not in a state the update allows.
	ErrConflict = errors.New("status conflict")

	ErrNoCredential = errors.New("recipient has no access token")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS recipients (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL CHECK(kind IN ('page','group','user')),
  name TEXT NOT NULL,
  platform_id TEXT NOT NULL,
  access_token TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  UNIQUE(kind, platform_id)
);
CREATE TABLE IF NOT EXISTS processes (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL CHECK(kind IN ('post','comment','reaction')),
  name TEXT NOT NULL,
  text TEXT NOT NULL DEFAULT '',
  object_id TEXT NOT NULL DEFAULT '',
  reaction TEXT NOT NULL DEFAULT '',
  scheduled_for INTEGER,
  interval_minutes INTEGER,
  range_start INTEGER,
  range_end INTEGER,
  use_ai INTEGER NOT NULL DEFAULT 0,
  ai_model TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('pending','running','success','error')) DEFAULT 'pending',
  active INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processes_status ON processes(status);
CREATE TABLE IF NOT EXISTS dispatch_items (
  id TEXT PRIMARY KEY,
  process_id TEXT NOT NULL,
  recipient_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  scheduled_for INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','queued','running','published','error')) DEFAULT 'pending',
  content TEXT NOT NULL DEFAULT '',
  platform_id TEXT,
  error TEXT NOT NULL DEFAULT '',
  lease_token TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  published_at INTEGER,
  updated_at INTEGER NOT NULL,
  UNIQUE(process_id, recipient_id),
  FOREIGN KEY(process_id) REFERENCES processes(id)
);
CREATE INDEX IF NOT EXISTS idx_items_process ON dispatch_items(process_id, scheduled_for);
CREATE INDEX IF NOT EXISTS idx_items_status ON dispatch_items(status);
`
	_, err := db.Exec(schema)
	return err
}

// Page selects a window of a listing. Page is 1-based.
type Page struct {
	Page   int
	Limit  int
	Search string
}

func (p Page) offset() (int, int) {
	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}
	page := p.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

type ItemFilter struct {
	Page
	ProcessID string
	Status    domain.ItemStatus
}

// ItemCounts tallies a process's items by status.
type ItemCounts map[domain.ItemStatus]int

func (c ItemCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

type Store interface {
	UpsertRecipient(ctx context.Context, r domain.Recipient) (domain.Recipient, error)
	GetRecipient(ctx context.Context, id string) (domain.Recipient, error)
	ListRecipients(ctx context.Context, kind domain.RecipientKind) ([]domain.Recipient, error)
	// Resolve returns the credential used to act as or on a recipient.
	Resolve(ctx context.Context, recipientID string) (domain.Credential, error)

	// CreateProcess stores p and its expanded items atomically and assigns ids.
	CreateProcess(ctx context.Context, p domain.Process, items []domain.DispatchItem) (domain.Process, []domain.DispatchItem, error)
	GetProcess(ctx context.Context, id string) (domain.Process, error)
	ListProcesses(ctx context.Context, pg Page) ([]domain.Process, error)
	CountProcesses(ctx context.Context) (int, error)
	SetProcessActive(ctx context.Context, id string, active bool) (domain.Process, error)
	SetProcessStatus(ctx context.Context, id string, status domain.ProcessStatus) error
	ListProcessesByStatus(ctx context.Context, status domain.ProcessStatus) ([]domain.Process, error)
	CountItemsByStatus(ctx context.Context, processID string) (ItemCounts, error)

	GetItem(ctx context.Context, id string) (domain.DispatchItem, error)
	ListItems(ctx context.Context, f ItemFilter) ([]domain.DispatchItem, error)
	CountItems(ctx context.Context, f ItemFilter) (int, error)
	PurgeItems(ctx context.Context) (int64, error)

	// Conditional status transitions. Each returns ErrConflict when the item
	// is not in a status the transition may start from.
	MarkQueued(ctx context.Context, id string) (domain.DispatchItem, error)
	SetContent(ctx context.Context, id, content string) (domain.DispatchItem, error)
	ClaimItem(ctx context.Context, id, leaseToken string) (domain.DispatchItem, error)
	MarkPublished(ctx context.Context, id, leaseToken, platformID string, at time.Time) (domain.DispatchItem, error)
	MarkError(ctx context.Context, id, reason string) (domain.DispatchItem, error)
}

type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db, now: time.Now} }

func (s *sqliteStore) UpsertRecipient(ctx context.Context, r domain.Recipient) (domain.Recipient, error) {
	if r.ID == "" {
		r.ID = "rcp_" + uuid.NewString()
	}
	r.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO recipients (id,kind,name,platform_id,access_token,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(kind, platform_id) DO UPDATE SET name=excluded.name, access_token=excluded.access_token`,
		r.ID, r.Kind, r.Name, r.PlatformID, r.AccessToken, sqlitedb.Millis(r.CreatedAt))
	if err != nil {
		return domain.Recipient{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT id,kind,name,platform_id,access_token,created_at FROM recipients WHERE kind=? AND platform_id=?`, r.Kind, r.PlatformID)
	return scanRecipient(row)
}

func scanRecipient(sc scanner) (domain.Recipient, error) {
	var r domain.Recipient
	var created int64
	if err := sc.Scan(&r.ID, &r.Kind, &r.Name, &r.PlatformID, &r.AccessToken, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Recipient{}, ErrNotFound
		}
		return domain.Recipient{}, err
	}
	r.CreatedAt = sqlitedb.FromMillis(created)
	return r, nil
}

func (s *sqliteStore) GetRecipient(ctx context.Context, id string) (domain.Recipient, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,kind,name,platform_id,access_token,created_at FROM recipients WHERE id=?`, id)
	return scanRecipient(row)
}

func (s *sqliteStore) ListRecipients(ctx context.Context, kind domain.RecipientKind) ([]domain.Recipient, error) {
	q := `SELECT id,kind,name,platform_id,access_token,created_at FROM recipients`
	var args []any
	if kind != "" {
		q += ` WHERE kind=?`
		args = append(args, kind)
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Resolve(ctx context.Context, recipientID string) (domain.Credential, error) {
	r, err := s.GetRecipient(ctx, recipientID)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("recipient %s: %w", recipientID, err)
	}
	if r.AccessToken == "" {
		return domain.Credential{}, fmt.Errorf("recipient %s: %w", recipientID, ErrNoCredential)
	}
	return domain.Credential{AccessToken: r.AccessToken, PlatformID: r.PlatformID}, nil
}

const processColumns = `id,kind,name,text,object_id,reaction,scheduled_for,interval_minutes,range_start,range_end,use_ai,ai_model,status,active,created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProcess(sc scanner) (domain.Process, error) {
	var (
		p                domain.Process
		scheduled        sql.NullInt64
		interval, lo, hi sql.NullInt64
		created          int64
	)
	err := sc.Scan(&p.ID, &p.Kind, &p.Name, &p.Text, &p.ObjectID, &p.Reaction, &scheduled, &interval, &lo, &hi, &p.UseAI, &p.AIModel, &p.Status, &p.Active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Process{}, ErrNotFound
	}
	if err != nil {
		return domain.Process{}, err
	}
	p.ScheduledFor = sqlitedb.FromNullMillis(scheduled)
	p.Interval = nullInt(interval)
	p.RangeStart = nullInt(lo)
	p.RangeEnd = nullInt(hi)
	p.CreatedAt = sqlitedb.FromMillis(created)
	return p, nil
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func (s *sqliteStore) CreateProcess(ctx context.Context, p domain.Process, items []domain.DispatchItem) (domain.Process, []domain.DispatchItem, error) {
	now := s.now().UTC().Truncate(time.Millisecond)
	if p.ID == "" {
		p.ID = "prc_" + uuid.NewString()
	}
	if p.Status == "" {
		p.Status = domain.ProcessPending
	}
	p.CreatedAt = now
	if p.ScheduledFor != nil {
		at := p.ScheduledFor.UTC().Truncate(time.Millisecond)
		p.ScheduledFor = &at
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Process{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO processes (`+processColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Kind, p.Name, p.Text, p.ObjectID, p.Reaction, sqlitedb.NullMillis(p.ScheduledFor),
		p.Interval, p.RangeStart, p.RangeEnd, p.UseAI, p.AIModel, p.Status, p.Active, sqlitedb.Millis(now))
	if err != nil {
		return domain.Process{}, nil, fmt.Errorf("insert process: %w", err)
	}

	out := make([]domain.DispatchItem, len(items))
	for i, it := range items {
		it.ID = "itm_" + uuid.NewString()
		it.ProcessID = p.ID
		if it.Status == "" {
			it.Status = domain.ItemPending
		}
		it.ScheduledFor = it.ScheduledFor.UTC().Truncate(time.Millisecond)
		it.CreatedAt = now
		it.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
INSERT INTO dispatch_items (id,process_id,recipient_id,kind,scheduled_for,status,content,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
			it.ID, it.ProcessID, it.RecipientID, it.Kind, sqlitedb.Millis(it.ScheduledFor), it.Status, it.Content, sqlitedb.Millis(now), sqlitedb.Millis(now))
		if err != nil {
			return domain.Process{}, nil, fmt.Errorf("insert item for recipient %s: %w", it.RecipientID, err)
		}
		out[i] = it
	}
	if err := tx.Commit(); err != nil {
		return domain.Process{}, nil, err
	}
	return p, out, nil
}

func (s *sqliteStore) GetProcess(ctx context.Context, id string) (domain.Process, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE id=?`, id)
	return scanProcess(row)
}

func (s *sqliteStore) queryProcesses(ctx context.Context, q string, args ...any) ([]domain.Process, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListProcesses(ctx context.Context, pg Page) ([]domain.Process, error) {
	limit, offset := pg.offset()
	q := `SELECT ` + processColumns + ` FROM processes`
	var args []any
	if pg.Search != "" {
		q += ` WHERE name LIKE ? OR text LIKE ?`
		like := "%" + pg.Search + "%"
		args = append(args, like, like)
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	return s.queryProcesses(ctx, q, args...)
}

func (s *sqliteStore) CountProcesses(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processes`).Scan(&n)
	return n, err
}

func (s *sqliteStore) SetProcessActive(ctx context.Context, id string, active bool) (domain.Process, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE processes SET active=? WHERE id=?`, active, id)
	if err != nil {
		return domain.Process{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Process{}, ErrNotFound
	}
	return s.GetProcess(ctx, id)
}

func (s *sqliteStore) SetProcessStatus(ctx context.Context, id string, status domain.ProcessStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE processes SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListProcessesByStatus(ctx context.Context, status domain.ProcessStatus) ([]domain.Process, error) {
	return s.queryProcesses(ctx, `SELECT `+processColumns+` FROM processes WHERE status=? ORDER BY created_at`, status)
}

func (s *sqliteStore) CountItemsByStatus(ctx context.Context, processID string) (ItemCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM dispatch_items WHERE process_id=? GROUP BY status`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := ItemCounts{}
	for rows.Next() {
		var st domain.ItemStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

const itemColumns = `id,process_id,recipient_id,kind,scheduled_for,status,content,platform_id,error,lease_token,created_at,published_at,updated_at`

func scanItem(sc scanner) (domain.DispatchItem, error) {
	var (
		it                    domain.DispatchItem
		scheduled, created, u int64
		platformID            sql.NullString
		published             sql.NullInt64
	)
	err := sc.Scan(&it.ID, &it.ProcessID, &it.RecipientID, &it.Kind, &scheduled, &it.Status, &it.Content, &platformID, &it.Error, &it.LeaseToken, &created, &published, &u)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DispatchItem{}, ErrNotFound
	}
	if err != nil {
		return domain.DispatchItem{}, err
	}
	if platformID.Valid {
		v := platformID.String
		it.PlatformID = &v
	}
	it.ScheduledFor = sqlitedb.FromMillis(scheduled)
	it.CreatedAt = sqlitedb.FromMillis(created)
	it.PublishedAt = sqlitedb.FromNullMillis(published)
	it.UpdatedAt = sqlitedb.FromMillis(u)
	return it, nil
}

func (s *sqliteStore) GetItem(ctx context.Context, id string) (domain.DispatchItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM dispatch_items WHERE id=?`, id)
	return scanItem(row)
}

func (f ItemFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.ProcessID != "" {
		conds = append(conds, "process_id=?")
		args = append(args, f.ProcessID)
	}
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}
	if f.Search != "" {
		conds = append(conds, "content LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *sqliteStore) ListItems(ctx context.Context, f ItemFilter) ([]domain.DispatchItem, error) {
	limit, offset := f.offset()
	where, args := f.where()
	order := ` ORDER BY created_at DESC, scheduled_for ASC`
	if f.ProcessID != "" {
		order = ` ORDER BY scheduled_for ASC, created_at ASC`
	}
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM dispatch_items`+where+order+` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DispatchItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountItems(ctx context.Context, f ItemFilter) (int, error) {
	where, args := f.where()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_items`+where, args...).Scan(&n)
	return n, err
}

func (s *sqliteStore) PurgeItems(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dispatch_items`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
