// Package mongo provides the MongoDB document store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcollect/internal/store"
)

// DocStore implements store.Store on a mongo database
type DocStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
	tracer trace.Tracer
}

// Connect dials the server and selects the database
func Connect(ctx context.Context, uri, database string, logger *zap.Logger) (*DocStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	logger.Info("connected to mongo", zap.String("database", database))
	return &DocStore{
		client: client,
		db:     client.Database(database),
		logger: logger,
		tracer: otel.Tracer("mongo-docstore"),
	}, nil
}

// Migrate creates the id and unique-field indexes
func (s *DocStore) Migrate(ctx context.Context) error {
	for _, name := range store.AllCollections {
		models := []mongo.IndexModel{{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}}
		for _, field := range store.UniqueFields[name] {
			models = append(models, mongo.IndexModel{
				Keys:    bson.D{{Key: field, Value: 1}},
				Options: options.Index().SetUnique(true),
			})
		}
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("index %s: %w", name, err)
		}
	}
	s.logger.Info("mongo indexes ensured")
	return nil
}

// Collection returns a handle to the named collection
func (s *DocStore) Collection(name string) store.Collection {
	return &Collection{coll: s.db.Collection(name), name: name, tracer: s.tracer}
}

// Ping verifies the connection
func (s *DocStore) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

// Close disconnects the client
func (s *DocStore) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

// Collection wraps a mongo collection
type Collection struct {
	coll   *mongo.Collection
	name   string
	tracer trace.Tracer
}

func (c *Collection) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "docstore_"+op,
		trace.WithAttributes(attribute.String("collection", c.name)))
}

// Insert writes a new document
func (c *Collection) Insert(ctx context.Context, doc any) error {
	ctx, span := c.span(ctx, "insert")
	defer span.End()

	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrDuplicate
		}
		span.RecordError(err)
		return err
	}
	return nil
}

// FindOne decodes the earliest matching document
func (c *Collection) FindOne(ctx context.Context, filter store.Filter, out any) error {
	q, err := toBSON(filter)
	if err != nil {
		return err
	}
	ctx, span := c.span(ctx, "find_one")
	defer span.End()

	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})
	if err := c.coll.FindOne(ctx, q, opts).Decode(out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.ErrNotFound
		}
		span.RecordError(err)
		return err
	}
	return nil
}

// Find decodes matching documents into out. ObjectIDs give insertion order.
func (c *Collection) Find(ctx context.Context, filter store.Filter, fo store.FindOptions, out any) error {
	q, err := toBSON(filter)
	if err != nil {
		return err
	}
	ctx, span := c.span(ctx, "find")
	defer span.End()

	dir := 1
	if fo.NewestFirst {
		dir = -1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: dir}}).
		SetLimit(int64(fo.EffectiveLimit()))
	cur, err := c.coll.Find(ctx, q, opts)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("find %s: %w", c.name, err)
	}
	return cur.All(ctx, out)
}

// Update applies $set to every matching document
func (c *Collection) Update(ctx context.Context, filter store.Filter, fields store.Fields) (int64, error) {
	if err := fields.Validate(); err != nil {
		return 0, err
	}
	q, err := toBSON(filter)
	if err != nil {
		return 0, err
	}
	ctx, span := c.span(ctx, "update")
	defer span.End()

	res, err := c.coll.UpdateMany(ctx, q, bson.M{"$set": bson.M(fields)})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return res.MatchedCount, nil
}

// Count returns the number of matching documents
func (c *Collection) Count(ctx context.Context, filter store.Filter) (int64, error) {
	q, err := toBSON(filter)
	if err != nil {
		return 0, err
	}
	return c.coll.CountDocuments(ctx, q)
}

func toBSON(filter store.Filter) (bson.D, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	q := bson.D{}
	for _, cond := range filter {
		switch cond.Op {
		case store.OpEq:
			q = append(q, bson.E{Key: cond.Field, Value: cond.Value})
		case store.OpIn:
			values := cond.Values
			if values == nil {
				values = []any{}
			}
			q = append(q, bson.E{Key: cond.Field, Value: bson.M{"$in": values}})
		case store.OpBefore:
			q = append(q, bson.E{Key: cond.Field, Value: bson.M{"$lt": cond.Value}})
		}
	}
	return q, nil
}
