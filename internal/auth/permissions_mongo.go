package auth

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/annel0/classic-server/internal/config"
)

// permissionDoc is one player's moderation record; _id is the lowercase username.
type permissionDoc struct {
	Username string    `bson:"_id"`
	Op       bool      `bson:"op"`
	Banned   bool      `bson:"banned"`
	Reason   string    `bson:"reason,omitempty"`
	By       string    `bson:"by,omitempty"`
	At       time.Time `bson:"at,omitempty"`
}

// MongoPermissionStore implements PermissionStore on MongoDB backend.
type MongoPermissionStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	ctxTimeout time.Duration
}

// NewMongoPermissionStore establishes connection and returns the store.
func NewMongoPermissionStore(cfg config.MongoConfig) (*MongoPermissionStore, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "classic"
	}
	if cfg.Collection == "" {
		cfg.Collection = "permissions"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}
	// ping
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	store := &MongoPermissionStore{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		ctxTimeout: 5 * time.Second,
	}
	if err := store.ensureIndexes(); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

func (m *MongoPermissionStore) ensureIndexes() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.ctxTimeout)
	defer cancel()
	_, err := m.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "op", Value: 1}}, Options: options.Index().SetName("op_idx")},
		{Keys: bson.D{{Key: "banned", Value: 1}}, Options: options.Index().SetName("banned_idx")},
	})
	return err
}

func (m *MongoPermissionStore) find(ctx context.Context, username string) (*permissionDoc, error) {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()
	var doc permissionDoc
	err := m.collection.FindOne(ctx, bson.M{"_id": normalize(username)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (m *MongoPermissionStore) IsOp(ctx context.Context, username string) (bool, error) {
	doc, err := m.find(ctx, username)
	if err != nil || doc == nil {
		return false, err
	}
	return doc.Op, nil
}

func (m *MongoPermissionStore) IsBanned(ctx context.Context, username string) (bool, string, error) {
	doc, err := m.find(ctx, username)
	if err != nil || doc == nil {
		return false, "", err
	}
	return doc.Banned, doc.Reason, nil
}

// update applies an update to the player's record; with requireFilter the
// update only matches records satisfying it and ErrNotFound is returned otherwise
func (m *MongoPermissionStore) update(ctx context.Context, username string, requireFilter bson.M, update bson.M) error {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()
	filter := bson.M{"_id": normalize(username)}
	for k, v := range requireFilter {
		filter[k] = v
	}
	res, err := m.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(requireFilter == nil))
	if err != nil {
		return err
	}
	if requireFilter != nil && res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoPermissionStore) SetOp(ctx context.Context, username string, op bool) error {
	if op {
		return m.update(ctx, username, nil, bson.M{"$set": bson.M{"op": true}})
	}
	return m.update(ctx, username, bson.M{"op": true}, bson.M{"$set": bson.M{"op": false}})
}

func (m *MongoPermissionStore) Ban(ctx context.Context, ban Ban) error {
	return m.update(ctx, ban.Username, nil, bson.M{"$set": bson.M{
		"banned": true, "reason": ban.Reason, "by": ban.By, "at": ban.At,
	}})
}

func (m *MongoPermissionStore) Unban(ctx context.Context, username string) error {
	return m.update(ctx, username, bson.M{"banned": true}, bson.M{
		"$set":   bson.M{"banned": false},
		"$unset": bson.M{"reason": "", "by": "", "at": ""},
	})
}

func (m *MongoPermissionStore) list(ctx context.Context, filter bson.M) ([]permissionDoc, error) {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()
	cur, err := m.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []permissionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (m *MongoPermissionStore) Operators(ctx context.Context) ([]string, error) {
	docs, err := m.list(ctx, bson.M{"op": true})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Username)
	}
	return out, nil
}

func (m *MongoPermissionStore) Bans(ctx context.Context) ([]Ban, error) {
	docs, err := m.list(ctx, bson.M{"banned": true})
	if err != nil {
		return nil, err
	}
	out := make([]Ban, 0, len(docs))
	for _, d := range docs {
		out = append(out, Ban{Username: d.Username, Reason: d.Reason, By: d.By, At: d.At})
	}
	return out, nil
}

// Close terminates connection.
func (m *MongoPermissionStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
