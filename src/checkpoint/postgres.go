package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresTable = "agent_checkpoints"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresSaver stores checkpoints in a single table with JSONB columns.
type PostgresSaver struct {
	DB    *pgxpool.Pool
	table string
}

func NewPostgresSaver(ctx context.Context, connStr, table string) (*PostgresSaver, error) {
	if connStr == "" {
		return nil, errors.New("postgres connection string is required")
	}
	if table == "" {
		table = defaultPostgresTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid postgres table name %q", table)
	}
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	ps := &PostgresSaver{DB: db, table: table}
	if err := ps.CreateSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return ps, nil
}

// CreateSchema creates the checkpoint table when it does not exist.
func (ps *PostgresSaver) CreateSchema(ctx context.Context) error {
	_, err := ps.DB.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	thread_id     TEXT PRIMARY KEY,
	checkpoint_id TEXT NOT NULL,
	messages      JSONB NOT NULL,
	metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at    TIMESTAMPTZ NOT NULL
)`, ps.table))
	return err
}

func (ps *PostgresSaver) Get(ctx context.Context, threadID string) (Checkpoint, error) {
	var (
		cp       = Checkpoint{ThreadID: threadID}
		messages []byte
		metadata []byte
	)
	err := ps.DB.QueryRow(ctx,
		fmt.Sprintf(`SELECT checkpoint_id, messages, metadata, updated_at FROM %s WHERE thread_id = $1`, ps.table),
		threadID,
	).Scan(&cp.ID, &messages, &metadata, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, err
	}
	if cp.Messages, err = decodeMessages(messages); err != nil {
		return Checkpoint{}, err
	}
	if cp.Metadata, err = decodeMetadata(metadata); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func (ps *PostgresSaver) Put(ctx context.Context, cp Checkpoint) error {
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
	_, err = ps.DB.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (thread_id, checkpoint_id, messages, metadata, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (thread_id) DO UPDATE
SET checkpoint_id = EXCLUDED.checkpoint_id,
    messages = EXCLUDED.messages,
    metadata = EXCLUDED.metadata,
    updated_at = EXCLUDED.updated_at`, ps.table),
		cp.ThreadID, cp.ID, string(messages), string(metadata), cp.UpdatedAt)
	return err
}

func (ps *PostgresSaver) Delete(ctx context.Context, threadID string) error {
	_, err := ps.DB.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE thread_id = $1`, ps.table), threadID)
	return err
}

func (ps *PostgresSaver) Close(context.Context) error {
	if ps == nil || ps.DB == nil {
		return nil
	}
	ps.DB.Close()
	return nil
}

var _ Saver = (*PostgresSaver)(nil)
