package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const sqliteBusyTimeoutMS = 5000

const sqliteSchema = `CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id     TEXT PRIMARY KEY,
	checkpoint_id TEXT NOT NULL,
	messages      TEXT NOT NULL,
	metadata      TEXT NOT NULL DEFAULT '{}',
	updated_at    INTEGER NOT NULL
)`

// SQLiteSaver stores checkpoints in a local SQLite file.
type SQLiteSaver struct {
	db *sql.DB
}

// NewSQLiteSaver opens (creating if needed) the database at path with WAL mode,
// a busy timeout and a single connection. ":memory:" is accepted for ephemeral use.
func NewSQLiteSaver(ctx context.Context, path string) (*SQLiteSaver, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", sqliteBusyTimeoutMS),
		sqliteSchema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", stmt, err)
		}
	}
	return &SQLiteSaver{db: db}, nil
}

func (s *SQLiteSaver) Get(ctx context.Context, threadID string) (Checkpoint, error) {
	var (
		cp       = Checkpoint{ThreadID: threadID}
		messages string
		metadata string
		updated  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, messages, metadata, updated_at FROM checkpoints WHERE thread_id = ?`,
		threadID,
	).Scan(&cp.ID, &messages, &metadata, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, err
	}
	if cp.Messages, err = decodeMessages([]byte(messages)); err != nil {
		return Checkpoint{}, err
	}
	if cp.Metadata, err = decodeMetadata([]byte(metadata)); err != nil {
		return Checkpoint{}, err
	}
	cp.UpdatedAt = time.UnixMilli(updated).UTC()
	return cp, nil
}

func (s *SQLiteSaver) Put(ctx context.Context, cp Checkpoint) error {
	if cp.ThreadID == "" {
		return errors.New("checkpoint: thread id is required")
	}
	cp = stamp(cp)
	messages, err := encodeMessages(cp.Messages)
	if err != nil {
		return err
	}
	metadata, err := encodeMetadata(cp.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO checkpoints (thread_id, checkpoint_id, messages, metadata, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
	checkpoint_id = excluded.checkpoint_id,
	messages = excluded.messages,
	metadata = excluded.metadata,
	updated_at = excluded.updated_at`,
		cp.ThreadID, cp.ID, string(messages), string(metadata), cp.UpdatedAt.UnixMilli())
	return err
}

func (s *SQLiteSaver) Delete(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	return err
}

func (s *SQLiteSaver) Close(context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Saver = (*SQLiteSaver)(nil)
