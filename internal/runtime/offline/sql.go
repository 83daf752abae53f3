package offline

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/liveflow/internal/runtime/jsoncodec"
	"github.com/drblury/liveflow/internal/runtime/models"
)

// Supported SQL dialects.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// TableName is the queue table created by SQLStore.
const TableName = "liveflow_offline_queue"

// SQLStore keeps queues in SQLite or PostgreSQL. Messages are stored as JSON
// and times as Unix nanoseconds so both dialects share one schema shape.
type SQLStore struct {
	db      *sql.DB
	dialect string
	opts    Options
	ownsDB  bool
}

var _ Store = (*SQLStore)(nil)

// OpenSQL opens a database for driver and prepares the queue table.
func OpenSQL(ctx context.Context, driver, dsn string, opts Options) (*SQLStore, error) {
	if driver != DialectSQLite && driver != DialectPostgres {
		return nil, fmt.Errorf("offline store: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == DialectSQLite {
		// A single connection keeps ":memory:" databases shared and avoids
		// SQLITE_BUSY under concurrent writers.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store, err := NewSQLStore(ctx, db, driver, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

// NewSQLStore uses an existing handle. Close does not close db.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect string, opts Options) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, opts: opts.withDefaults()}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + TableName + ` (
			` + idColumn + `,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			enqueued_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + TableName + `_key ON ` + TableName + ` (user_id, conversation_id, enqueued_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_` + TableName + `_expires ON ` + TableName + ` (expires_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type row struct {
	id    int64
	entry Entry
}

func (s *SQLStore) Enqueue(ctx context.Context, key Key, e Entry) ([]Entry, error) {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = s.opts.Now()
	}
	var evicted []Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insert(ctx, tx, key, e); err != nil {
			return err
		}
		var err error
		evicted, err = s.evict(ctx, tx, key)
		return err
	})
	return evicted, err
}

func (s *SQLStore) Requeue(ctx context.Context, key Key, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var evicted []Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			if err := s.insert(ctx, tx, key, e); err != nil {
				return err
			}
		}
		var err error
		evicted, err = s.evict(ctx, tx, key)
		return err
	})
	return evicted, err
}

func (s *SQLStore) insert(ctx context.Context, tx *sql.Tx, key Key, e Entry) error {
	payload, err := jsoncodec.MarshalString(e.Message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO `+TableName+` (user_id, conversation_id, message_id, payload, enqueued_at, expires_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), key.UserID, key.ConversationID, e.Message.ID, payload, e.EnqueuedAt.UnixNano(), unixNano(e.ExpiresAt), e.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}
	return nil
}

// evict deletes the oldest rows beyond capacity and returns them.
func (s *SQLStore) evict(ctx context.Context, tx *sql.Tx, key Key) ([]Entry, error) {
	var count int
	err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM `+TableName+` WHERE user_id = ? AND conversation_id = ?
	`), key.UserID, key.ConversationID).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue: %w", err)
	}
	over := count - s.opts.Capacity
	if over <= 0 {
		return nil, nil
	}

	rows, err := s.selectRows(ctx, tx, `WHERE user_id = ? AND conversation_id = ? ORDER BY enqueued_at, id LIMIT ?`,
		key.UserID, key.ConversationID, over)
	if err != nil {
		return nil, err
	}
	return s.deleteRows(ctx, tx, rows)
}

func (s *SQLStore) Peek(ctx context.Context, key Key) ([]Entry, error) {
	rows, err := s.selectRows(ctx, s.db, `WHERE user_id = ? AND conversation_id = ? AND expires_at > ? ORDER BY enqueued_at, id`,
		key.UserID, key.ConversationID, s.opts.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	return entries(rows), nil
}

func (s *SQLStore) Take(ctx context.Context, key Key, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	var taken []Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.selectRows(ctx, tx, `WHERE user_id = ? AND conversation_id = ? AND expires_at > ? ORDER BY enqueued_at, id LIMIT ?`,
			key.UserID, key.ConversationID, s.opts.Now().UnixNano(), n)
		if err != nil {
			return err
		}
		taken, err = s.deleteRows(ctx, tx, rows)
		return err
	})
	return taken, err
}

func (s *SQLStore) Drain(ctx context.Context, key Key) ([]Entry, error) {
	var drained []Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.selectRows(ctx, tx, `WHERE user_id = ? AND conversation_id = ? AND expires_at > ? ORDER BY enqueued_at, id`,
			key.UserID, key.ConversationID, s.opts.Now().UnixNano())
		if err != nil {
			return err
		}
		drained, err = s.deleteRows(ctx, tx, rows)
		return err
	})
	return drained, err
}

func (s *SQLStore) Prune(ctx context.Context) (map[Key][]Entry, error) {
	pruned := make(map[Key][]Entry)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		q, err := tx.QueryContext(ctx, s.rebind(`
			SELECT id, user_id, conversation_id, payload, enqueued_at, expires_at, retry_count
			FROM `+TableName+` WHERE expires_at <= ? ORDER BY enqueued_at, id
		`), s.opts.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to query expired entries: %w", err)
		}
		var ids []int64
		for q.Next() {
			var key Key
			r, err := scanRow(q, &key.UserID, &key.ConversationID)
			if err != nil {
				_ = q.Close()
				return err
			}
			ids = append(ids, r.id)
			pruned[key] = append(pruned[key], r.entry)
		}
		if err := q.Err(); err != nil {
			_ = q.Close()
			return err
		}
		_ = q.Close()
		return s.deleteIDs(ctx, tx, ids)
	})
	return pruned, err
}

func (s *SQLStore) Keys(ctx context.Context) ([]Key, error) {
	q, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id, conversation_id FROM `+TableName)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	defer q.Close()

	var keys []Key
	for q.Next() {
		var k Key
		if err := q.Scan(&k.UserID, &k.ConversationID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys, q.Err()
}

func (s *SQLStore) Len(ctx context.Context, key Key) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM `+TableName+` WHERE user_id = ? AND conversation_id = ? AND expires_at > ?
	`), key.UserID, key.ConversationID, s.opts.Now().UnixNano()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) selectRows(ctx context.Context, db querier, where string, args ...any) ([]row, error) {
	q, err := db.QueryContext(ctx, s.rebind(`
		SELECT id, payload, enqueued_at, expires_at, retry_count FROM `+TableName+` `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer q.Close()

	var rows []row
	for q.Next() {
		r, err := scanRow(q)
		if err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, q.Err()
}

// scanRow reads id, [extra...], payload, enqueued_at, expires_at, retry_count.
func scanRow(q *sql.Rows, extra ...any) (row, error) {
	var (
		r          row
		payload    string
		enqueuedAt int64
		expiresAt  int64
	)
	dest := append([]any{&r.id}, extra...)
	dest = append(dest, &payload, &enqueuedAt, &expiresAt, &r.entry.RetryCount)
	if err := q.Scan(dest...); err != nil {
		return row{}, fmt.Errorf("failed to scan queue entry: %w", err)
	}

	var msg models.Message
	if err := jsoncodec.UnmarshalString(payload, &msg); err != nil {
		return row{}, fmt.Errorf("failed to decode queued message: %w", err)
	}
	r.entry.Message = msg
	r.entry.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	if expiresAt != noExpiry {
		r.entry.ExpiresAt = time.Unix(0, expiresAt).UTC()
	}
	return r, nil
}

func (s *SQLStore) deleteRows(ctx context.Context, tx *sql.Tx, rows []row) ([]Entry, error) {
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.id
	}
	if err := s.deleteIDs(ctx, tx, ids); err != nil {
		return nil, err
	}
	return entries(rows), nil
}

func (s *SQLStore) deleteIDs(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.rebind(`DELETE FROM `+TableName+` WHERE id = ?`))
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to delete queue entry %d: %w", id, err)
		}
	}
	return nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func entries(rows []row) []Entry {
	if len(rows) == 0 {
		return nil
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = r.entry
	}
	return out
}

// noExpiry is stored for entries without an expiry so range queries still
// treat them as live.
const noExpiry = int64(1<<63 - 1)

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return noExpiry
	}
	return t.UnixNano()
}
