package checkpoint

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoCloseTimeout     = 5 * time.Second
	defaultMongoDatabase  = "agents"
	defaultCollectionName = "checkpoints"
)

// MongoSaver stores one document per thread, keyed by thread id.
type MongoSaver struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewMongoSaver(ctx context.Context, uri, database, collection string) (*MongoSaver, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	if database == "" {
		database = defaultMongoDatabase
	}
	if collection == "" {
		collection = defaultCollectionName
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return &MongoSaver{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

func (ms *MongoSaver) Get(ctx context.Context, threadID string) (Checkpoint, error) {
	var cp Checkpoint
	err := ms.collection.FindOne(ctx, bson.M{"_id": threadID}).Decode(&cp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func (ms *MongoSaver) Put(ctx context.Context, cp Checkpoint) error {
	if cp.ThreadID == "" {
		return errors.New("checkpoint: thread id is required")
	}
	cp = stamp(cp)
	opts := options.Replace().SetUpsert(true)
	_, err := ms.collection.ReplaceOne(ctx, bson.M{"_id": cp.ThreadID}, cp, opts)
	return err
}

func (ms *MongoSaver) Delete(ctx context.Context, threadID string) error {
	_, err := ms.collection.DeleteOne(ctx, bson.M{"_id": threadID})
	return err
}

// Close releases the underlying MongoDB client.
func (ms *MongoSaver) Close(ctx context.Context) error {
	if ms == nil || ms.client == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, mongoCloseTimeout)
		defer cancel()
	}
	return ms.client.Disconnect(ctx)
}

var _ Saver = (*MongoSaver)(nil)
