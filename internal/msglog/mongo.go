package msglog

import (
	"context"
	"fmt"
	"time"

	"github.com/OzzMkl/backend-serverless-chat/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const messageCollection = "messages"

// Mongo 把消息存入 messages 集合，_id 即 messageId。
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongo 连接并 ping，随后确保会话查询所需的复合索引存在。
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	coll := client.Database(database).Collection(messageCollection)
	idx := mongo.IndexModel{Keys: bson.D{
		{Key: "conversation_key", Value: 1},
		{Key: "created_at", Value: -1},
		{Key: "_id", Value: -1},
	}}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create message index: %w", err)
	}
	return &Mongo{client: client, coll: coll}, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) Append(ctx context.Context, msg *models.Message) error {
	_, err := m.coll.InsertOne(ctx, msg)
	return err
}

func (m *Mongo) Query(ctx context.Context, conversationKey string, limit int, after *Cursor) (Page, error) {
	filter := bson.M{"conversation_key": conversationKey}
	if after != nil {
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$lt": after.CreatedAt}},
			bson.M{"created_at": after.CreatedAt, "_id": bson.M{"$lt": after.MessageID}},
		}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit + 1))

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return Page{}, err
	}
	defer cursor.Close(ctx)

	var msgs []models.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return Page{}, err
	}
	for i := range msgs {
		msgs[i].CreatedAt = msgs[i].CreatedAt.UTC()
	}
	return paginate(msgs, limit), nil
}
