package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jSaver stores each thread's checkpoint as a (:Checkpoint) node keyed by thread_id.
type Neo4jSaver struct {
	driver   neo4j.DriverWithContext
	database string
}

func NewNeo4jSaver(ctx context.Context, uri, username, password, database string) (*Neo4jSaver, error) {
	if uri == "" {
		return nil, errors.New("neo4j uri is required")
	}
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: %w", err)
	}
	s := &Neo4jSaver{driver: driver, database: database}
	if _, err := s.run(ctx, `CREATE CONSTRAINT checkpoint_thread IF NOT EXISTS
FOR (c:Checkpoint) REQUIRE c.thread_id IS UNIQUE`, nil); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: create constraint: %w", err)
	}
	return s, nil
}

func (s *Neo4jSaver) run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	opts := []neo4j.ExecuteQueryConfigurationOption{}
	if s.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(s.database))
	}
	return neo4j.ExecuteQuery(ctx, s.driver, query, params, neo4j.EagerResultTransformer, opts...)
}

func (s *Neo4jSaver) Get(ctx context.Context, threadID string) (Checkpoint, error) {
	res, err := s.run(ctx, `MATCH (c:Checkpoint {thread_id: $thread})
RETURN c.checkpoint_id AS id, c.messages AS messages, c.metadata AS metadata, c.updated_at AS updated`,
		map[string]any{"thread": threadID})
	if err != nil {
		return Checkpoint{}, err
	}
	if len(res.Records) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	rec := res.Records[0]

	cp := Checkpoint{ThreadID: threadID}
	if v, ok := rec.Get("id"); ok {
		cp.ID, _ = v.(string)
	}
	if v, ok := rec.Get("messages"); ok {
		raw, _ := v.(string)
		if cp.Messages, err = decodeMessages([]byte(raw)); err != nil {
			return Checkpoint{}, err
		}
	}
	if v, ok := rec.Get("metadata"); ok {
		raw, _ := v.(string)
		if cp.Metadata, err = decodeMetadata([]byte(raw)); err != nil {
			return Checkpoint{}, err
		}
	}
	if v, ok := rec.Get("updated"); ok {
		if ms, ok := v.(int64); ok {
			cp.UpdatedAt = time.UnixMilli(ms).UTC()
		}
	}
	return cp, nil
}

func (s *Neo4jSaver) Put(ctx context.Context, cp Checkpoint) error {
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
	_, err = s.run(ctx, `MERGE (c:Checkpoint {thread_id: $thread})
SET c.checkpoint_id = $id, c.messages = $messages, c.metadata = $metadata, c.updated_at = $updated`,
		map[string]any{
			"thread":   cp.ThreadID,
			"id":       cp.ID,
			"messages": string(messages),
			"metadata": string(metadata),
			"updated":  cp.UpdatedAt.UnixMilli(),
		})
	return err
}

func (s *Neo4jSaver) Delete(ctx context.Context, threadID string) error {
	_, err := s.run(ctx, `MATCH (c:Checkpoint {thread_id: $thread}) DETACH DELETE c`,
		map[string]any{"thread": threadID})
	return err
}

func (s *Neo4jSaver) Close(ctx context.Context) error {
	if s == nil || s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

var _ Saver = (*Neo4jSaver)(nil)
