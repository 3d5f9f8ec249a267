// Package checkpoint persists per-thread conversation state between messages.
//
// A Saver stores one Checkpoint per thread id. Backends are selected by mode name:
// "local" keeps state in process memory; "mongo", "postgres", "sqlite" and "neo4j"
// persist it in the corresponding database.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Protocol-Lattice/go-agent-server/src/models"
)

// ErrNotFound is returned by Get when a thread has no stored checkpoint.
var ErrNotFound = errors.New("checkpoint: not found")

// ErrUnknownMode is returned by Open for an unsupported backend name.
var ErrUnknownMode = errors.New("checkpoint: unknown mode")

// Checkpoint is the persisted conversation state of one thread.
type Checkpoint struct {
	ID        string            `json:"id" bson:"checkpoint_id"`
	ThreadID  string            `json:"threadId" bson:"_id"`
	Messages  []models.Message  `json:"messages" bson:"messages"`
	Metadata  map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt" bson:"updated_at"`
}

// Saver is implemented by every checkpoint backend.
type Saver interface {
	Get(ctx context.Context, threadID string) (Checkpoint, error)
	Put(ctx context.Context, cp Checkpoint) error
	Delete(ctx context.Context, threadID string) error
	Close(ctx context.Context) error
}

// Mode names accepted by Open.
const (
	ModeLocal    = "local"
	ModeMongo    = "mongo"
	ModePostgres = "postgres"
	ModeSQLite   = "sqlite"
	ModeNeo4j    = "neo4j"
)

// Config selects and connects a backend. URI is the connection string (a file path for sqlite).
type Config struct {
	Mode       string
	URI        string
	Database   string
	Collection string
	Username   string
	Password   string
}

// Open connects the backend named by cfg.Mode. An empty mode selects local storage.
// Connection failures are returned to the caller.
func Open(ctx context.Context, cfg Config) (Saver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ModeLocal, "memory":
		return NewMemorySaver(), nil
	case ModeMongo, "mongodb":
		return NewMongoSaver(ctx, cfg.URI, cfg.Database, cfg.Collection)
	case ModePostgres, "postgresql":
		return NewPostgresSaver(ctx, cfg.URI, cfg.Collection)
	case ModeSQLite:
		return NewSQLiteSaver(ctx, cfg.URI)
	case ModeNeo4j:
		return NewNeo4jSaver(ctx, cfg.URI, cfg.Username, cfg.Password, cfg.Database)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}

// stamp fills the id and update time before a write.
func stamp(cp Checkpoint) Checkpoint {
	cp.ID = uuid.NewString()
	cp.UpdatedAt = time.Now().UTC()
	return cp
}

func encodeMessages(msgs []models.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []models.Message{}
	}
	return json.Marshal(msgs)
}

func decodeMessages(raw []byte) ([]models.Message, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var msgs []models.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("checkpoint: decode messages: %w", err)
	}
	return msgs, nil
}

func encodeMetadata(meta map[string]string) ([]byte, error) {
	if meta == nil {
		meta = map[string]string{}
	}
	return json.Marshal(meta)
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("checkpoint: decode metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

func clone(cp Checkpoint) Checkpoint {
	out := cp
	out.Messages = append([]models.Message(nil), cp.Messages...)
	if cp.Metadata != nil {
		out.Metadata = make(map[string]string, len(cp.Metadata))
		for k, v := range cp.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
