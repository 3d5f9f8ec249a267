package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Protocol-Lattice/go-agent-server/src/models"
)

func exerciseSaver(t *testing.T, s Saver) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	cp := Checkpoint{
		ThreadID: "thread-1",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "hello"},
			{Role: models.RoleTool, Name: "calculator", Content: "4"},
			{Role: models.RoleAssistant, Content: "hi"},
		},
		Metadata: map[string]string{"agent": "helper"},
	}
	if err := s.Put(ctx, cp); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID == "" {
		t.Fatalf("expected checkpoint id to be assigned")
	}
	if got.UpdatedAt.IsZero() {
		t.Fatalf("expected update time to be set")
	}
	if len(got.Messages) != 3 || got.Messages[1].Name != "calculator" {
		t.Fatalf("unexpected messages: %+v", got.Messages)
	}
	if got.Metadata["agent"] != "helper" {
		t.Fatalf("unexpected metadata: %+v", got.Metadata)
	}

	cp.Messages = append(cp.Messages, models.Message{Role: models.RoleUser, Content: "again"})
	if err := s.Put(ctx, cp); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	updated, err := s.Get(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if len(updated.Messages) != 4 {
		t.Fatalf("expected 4 messages after overwrite, got %d", len(updated.Messages))
	}
	if updated.ID == got.ID {
		t.Fatalf("expected a fresh checkpoint id on each write")
	}

	if err := s.Delete(ctx, "thread-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "thread-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	if err := s.Put(ctx, Checkpoint{}); err == nil {
		t.Fatalf("expected error for empty thread id")
	}
}

func TestMemorySaver(t *testing.T) {
	exerciseSaver(t, NewMemorySaver())
}

func TestMemorySaverReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySaver()
	if err := s.Put(ctx, Checkpoint{ThreadID: "t", Messages: []models.Message{{Role: models.RoleUser, Content: "a"}}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, _ := s.Get(ctx, "t")
	got.Messages[0].Content = "mutated"
	again, _ := s.Get(ctx, "t")
	if again.Messages[0].Content != "a" {
		t.Fatalf("stored checkpoint was mutated through a returned copy")
	}
}

func TestSQLiteSaver(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteSaver(ctx, filepath.Join(t.TempDir(), "nested", "checkpoints.db"))
	if err != nil {
		t.Fatalf("NewSQLiteSaver: %v", err)
	}
	defer s.Close(ctx)
	exerciseSaver(t, s)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{})
	if err != nil {
		t.Fatalf("Open default: %v", err)
	}
	if _, ok := s.(*MemorySaver); !ok {
		t.Fatalf("expected MemorySaver for empty mode, got %T", s)
	}

	s, err = Open(ctx, Config{Mode: "sqlite", URI: filepath.Join(t.TempDir(), "cp.db")})
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	defer s.Close(ctx)
	if _, ok := s.(*SQLiteSaver); !ok {
		t.Fatalf("expected SQLiteSaver, got %T", s)
	}

	if _, err := Open(ctx, Config{Mode: "cassandra"}); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
}

func TestOpenValidatesConnectionSettings(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []string{ModeMongo, ModePostgres, ModeSQLite, ModeNeo4j} {
		if _, err := Open(ctx, Config{Mode: mode}); err == nil {
			t.Fatalf("%s: expected error without a connection uri", mode)
		}
	}
}

func TestPostgresRejectsUnsafeTableName(t *testing.T) {
	if _, err := NewPostgresSaver(context.Background(), "postgres://localhost/db", "checkpoints; DROP TABLE x"); err == nil {
		t.Fatalf("expected invalid table name error")
	}
}

func TestDecodeHelpersTolerateEmptyInput(t *testing.T) {
	msgs, err := decodeMessages(nil)
	if err != nil || msgs != nil {
		t.Fatalf("decodeMessages(nil) = %v, %v", msgs, err)
	}
	meta, err := decodeMetadata([]byte("{}"))
	if err != nil || meta != nil {
		t.Fatalf("decodeMetadata({}) = %v, %v", meta, err)
	}
	if _, err := decodeMessages([]byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}
