package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteQueueTableName       = "draftsync_offline_queue"
	sqliteQueueOperationWindow = 5 * time.Second
)

// SQLiteQueue stores one row per entry; FIFO order comes from the
// autoincrement id.
type SQLiteQueue struct {
	path     string
	capacity int

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteQueue(path string, capacity int) (*SQLiteQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &SQLiteQueue{path: path, capacity: capacity}, nil
}

func (q *SQLiteQueue) ensureReady() error {
	q.initOnce.Do(func() {
		db, err := sql.Open("sqlite3", q.path)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
		defer cancel()

		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS `+sqliteQueueTableName+` (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				document_id TEXT NOT NULL,
				snapshot TEXT NOT NULL,
				base_version INTEGER NOT NULL,
				created_at TIMESTAMP NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0
			)`)
		if err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		_, err = db.ExecContext(ctx, `
			CREATE INDEX IF NOT EXISTS `+sqliteQueueTableName+`_doc_idx
			ON `+sqliteQueueTableName+` (document_id, id)`)
		if err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *SQLiteQueue) Enqueue(e Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	snapshot, err := json.Marshal(e.Snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var depth int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+sqliteQueueTableName+" WHERE document_id = ?", e.DocumentID,
	).Scan(&depth)
	if err != nil {
		return err
	}
	if depth >= q.capacity {
		return ErrQueueFull
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+sqliteQueueTableName+`
		(document_id, snapshot, base_version, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?)`,
		e.DocumentID, string(snapshot), e.BaseVersion, e.CreatedAt.UTC(), e.RetryCount)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (q *SQLiteQueue) headRow(ctx context.Context, documentID string) (int64, Entry, bool, error) {
	var (
		rowID    int64
		snapshot string
		e        Entry
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, snapshot, base_version, created_at, retry_count
		FROM `+sqliteQueueTableName+`
		WHERE document_id = ? ORDER BY id LIMIT 1`, documentID,
	).Scan(&rowID, &snapshot, &e.BaseVersion, &e.CreatedAt, &e.RetryCount)
	if err == sql.ErrNoRows {
		return 0, Entry{}, false, nil
	}
	if err != nil {
		return 0, Entry{}, false, err
	}
	e.DocumentID = documentID
	if err := json.Unmarshal([]byte(snapshot), &e.Snapshot); err != nil {
		return 0, Entry{}, false, err
	}
	return rowID, e, true, nil
}

func (q *SQLiteQueue) Head(documentID string) (Entry, bool, error) {
	if err := q.ensureReady(); err != nil {
		return Entry{}, false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
	defer cancel()
	_, e, ok, err := q.headRow(ctx, documentID)
	return e, ok, err
}

func (q *SQLiteQueue) Ack(documentID string) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
	defer cancel()
	rowID, _, ok, err := q.headRow(ctx, documentID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrEmpty
	}
	_, err = q.db.ExecContext(ctx, "DELETE FROM "+sqliteQueueTableName+" WHERE id = ?", rowID)
	return err
}

func (q *SQLiteQueue) Bump(documentID string) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
	defer cancel()
	rowID, _, ok, err := q.headRow(ctx, documentID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrEmpty
	}
	_, err = q.db.ExecContext(ctx,
		"UPDATE "+sqliteQueueTableName+" SET retry_count = retry_count + 1 WHERE id = ?", rowID)
	return err
}

func (q *SQLiteQueue) Entries(documentID string) ([]Entry, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
	defer cancel()
	rows, err := q.db.QueryContext(ctx, `
		SELECT snapshot, base_version, created_at, retry_count
		FROM `+sqliteQueueTableName+`
		WHERE document_id = ? ORDER BY id`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			snapshot string
			e        Entry
		)
		if err := rows.Scan(&snapshot, &e.BaseVersion, &e.CreatedAt, &e.RetryCount); err != nil {
			return nil, err
		}
		e.DocumentID = documentID
		if err := json.Unmarshal([]byte(snapshot), &e.Snapshot); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) Documents() ([]string, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
	defer cancel()
	rows, err := q.db.QueryContext(ctx,
		"SELECT DISTINCT document_id FROM "+sqliteQueueTableName+" ORDER BY document_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) Depth(documentID string) int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
	defer cancel()
	var depth int
	if err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+sqliteQueueTableName+" WHERE document_id = ?", documentID,
	).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *SQLiteQueue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

var _ Queue = (*SQLiteQueue)(nil)
var _ Queue = (*FileQueue)(nil)
var _ Queue = (*MemoryQueue)(nil)
