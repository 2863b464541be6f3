package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"sceneforge/internal/domain"
)

const (
	defaultMongoDatabase = "sceneforge"
	mongoCollection      = "conversations"
)

// mongoDoc is the stored form. The record travels as JSON so the document
// mirrors the SQL payload columns; a few fields are lifted for queries.
type mongoDoc struct {
	ID        string    `bson:"_id"`
	ImageID   string    `bson:"image_id"`
	Bodies    int       `bson:"bodies"`
	Snapshots int       `bson:"snapshots"`
	UpdatedAt time.Time `bson:"updated_at"`
	Payload   string    `bson:"payload"`
}

// MongoStore keeps one document per conversation.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// OpenMongo connects to uri. The database comes from the argument, then the
// URI path, then defaults to "sceneforge".
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	if database == "" {
		database = databaseFromURI(uri)
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(mongoCollection),
	}, nil
}

// databaseFromURI extracts the path segment of a mongodb:// or
// mongodb+srv:// URI.
func databaseFromURI(uri string) string {
	rest := uri
	for _, prefix := range []string{"mongodb+srv://", "mongodb://"} {
		if strings.HasPrefix(rest, prefix) {
			rest = rest[len(prefix):]
			break
		}
	}
	if i := strings.Index(rest, "?"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.Index(rest, "/"); i >= 0 && i+1 < len(rest) {
		return rest[i+1:]
	}
	return defaultMongoDatabase
}

func (m *MongoStore) SaveConversation(ctx context.Context, rec *domain.ConversationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	doc := mongoDoc{
		ID:        rec.ID,
		ImageID:   rec.ImageID,
		Bodies:    len(rec.Scene.Bodies),
		Snapshots: len(rec.History),
		UpdatedAt: rec.UpdatedAt,
		Payload:   string(payload),
	}
	_, err = m.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", rec.ID, err)
	}
	return nil
}

func (m *MongoStore) LoadConversation(ctx context.Context, id string) (*domain.ConversationRecord, error) {
	var doc mongoDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrConversationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	var rec domain.ConversationRecord
	if err := json.Unmarshal([]byte(doc.Payload), &rec); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &rec, nil
}

func (m *MongoStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("conversation %s: %w", id, domain.ErrConversationNotFound)
	}
	return nil
}

func (m *MongoStore) ListConversations(ctx context.Context) ([]string, error) {
	cur, err := m.coll.Find(ctx, bson.M{}, options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("read conversation ids: %w", err)
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
