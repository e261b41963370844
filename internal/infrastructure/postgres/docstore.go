// Package postgres provides the PostgreSQL document store and the audit outbox relay.
// Every collection is a table of JSONB documents keyed by the document id.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcollect/internal/store"
)

const uniqueViolation = "23505"

// Option configures the document store
type Option func(*DocStore)

// WithOutbox mirrors every insert into the named collection to the outbox, in the same
// transaction, for relay to the given Kafka topic.
func WithOutbox(collection, topic string) Option {
	return func(s *DocStore) {
		s.outboxTopics[collection] = topic
	}
}

// DocStore implements store.Store on top of a pgx pool
type DocStore struct {
	pool         *pgxpool.Pool
	logger       *zap.Logger
	tracer       trace.Tracer
	outboxTopics map[string]string
}

// NewDocStore creates a document store over an existing pool
func NewDocStore(pool *pgxpool.Pool, logger *zap.Logger, opts ...Option) *DocStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &DocStore{
		pool:         pool,
		logger:       logger,
		tracer:       otel.Tracer("postgres-docstore"),
		outboxTopics: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Collection returns a handle to the named table
func (s *DocStore) Collection(name string) store.Collection {
	return &Collection{store: s, name: name, outboxTopic: s.outboxTopics[name]}
}

// Ping verifies the connection
func (s *DocStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool
func (s *DocStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

// Collection is one JSONB document table
type Collection struct {
	store       *DocStore
	name        string
	outboxTopic string
}

func (c *Collection) table() (string, error) {
	if !store.ValidField(c.name) {
		return "", fmt.Errorf("invalid collection name %q", c.name)
	}
	return c.name, nil
}

func (c *Collection) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return c.store.tracer.Start(ctx, "docstore_"+op,
		trace.WithAttributes(attribute.String("collection", c.name)))
}

// Insert writes a new document
func (c *Collection) Insert(ctx context.Context, v any) error {
	table, err := c.table()
	if err != nil {
		return err
	}
	ctx, span := c.span(ctx, "insert")
	defer span.End()

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.ID == "" {
		return errors.New("document requires an id")
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2)`, table)

	if c.outboxTopic == "" {
		_, err = c.store.pool.Exec(ctx, query, head.ID, raw)
		return translate(err)
	}

	tx, err := c.store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, query, head.ID, raw); err != nil {
		return translate(err)
	}
	entry := &OutboxEntry{
		AggregateID:   head.ID,
		AggregateType: c.name,
		EventType:     c.name + ".appended",
		Payload:       raw,
		KafkaTopic:    c.outboxTopic,
		KafkaKey:      head.ID,
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FindOne decodes the first matching document
func (c *Collection) FindOne(ctx context.Context, filter store.Filter, out any) error {
	table, err := c.table()
	if err != nil {
		return err
	}
	where, args, err := buildWhere(filter, nil)
	if err != nil {
		return err
	}
	ctx, span := c.span(ctx, "find_one")
	defer span.End()

	var raw []byte
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE %s ORDER BY seq ASC LIMIT 1`, table, where)
	if err := c.store.pool.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if isNoRows(err) {
			return store.ErrNotFound
		}
		span.RecordError(err)
		return err
	}
	return json.Unmarshal(raw, out)
}

// Find decodes matching documents into out
func (c *Collection) Find(ctx context.Context, filter store.Filter, opts store.FindOptions, out any) error {
	table, err := c.table()
	if err != nil {
		return err
	}
	where, args, err := buildWhere(filter, nil)
	if err != nil {
		return err
	}
	ctx, span := c.span(ctx, "find")
	defer span.End()

	order := "ASC"
	if opts.NewestFirst {
		order = "DESC"
	}
	args = append(args, opts.EffectiveLimit())
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE %s ORDER BY seq %s LIMIT $%d`, table, where, order, len(args))

	rows, err := c.store.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	docs := make([]json.RawMessage, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
		docs = append(docs, json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		return err
	}

	span.SetAttributes(attribute.Int("result_count", len(docs)))
	joined, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	return json.Unmarshal(joined, out)
}

// Update merges fields into matching documents with the jsonb concatenation operator
func (c *Collection) Update(ctx context.Context, filter store.Filter, fields store.Fields) (int64, error) {
	table, err := c.table()
	if err != nil {
		return 0, err
	}
	if err := fields.Validate(); err != nil {
		return 0, err
	}
	patch, err := json.Marshal(map[string]any(fields))
	if err != nil {
		return 0, fmt.Errorf("marshal update: %w", err)
	}
	where, args, err := buildWhere(filter, []any{string(patch)})
	if err != nil {
		return 0, err
	}
	ctx, span := c.span(ctx, "update")
	defer span.End()

	query := fmt.Sprintf(`UPDATE %s SET doc = doc || $1::jsonb WHERE %s`, table, where)
	tag, err := c.store.pool.Exec(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return 0, translate(err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of matching documents
func (c *Collection) Count(ctx context.Context, filter store.Filter) (int64, error) {
	table, err := c.table()
	if err != nil {
		return 0, err
	}
	where, args, err := buildWhere(filter, nil)
	if err != nil {
		return 0, err
	}
	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, table, where)
	if err := c.store.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// buildWhere renders filter as SQL over the doc column. Placeholders continue after args.
func buildWhere(filter store.Filter, args []any) (string, []any, error) {
	if err := filter.Validate(); err != nil {
		return "", nil, err
	}
	if len(filter) == 0 {
		return "TRUE", args, nil
	}

	clauses := make([]string, 0, len(filter))
	eq := func(field string, v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		args = append(args, string(b))
		return fmt.Sprintf("COALESCE(doc->'%s', 'null'::jsonb) = $%d::jsonb", field, len(args)), nil
	}

	for _, cond := range filter {
		switch cond.Op {
		case store.OpEq:
			clause, err := eq(cond.Field, cond.Value)
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, clause)
		case store.OpIn:
			if len(cond.Values) == 0 {
				clauses = append(clauses, "FALSE")
				continue
			}
			alts := make([]string, 0, len(cond.Values))
			for _, v := range cond.Values {
				clause, err := eq(cond.Field, v)
				if err != nil {
					return "", nil, err
				}
				alts = append(alts, clause)
			}
			clauses = append(clauses, "("+strings.Join(alts, " OR ")+")")
		case store.OpBefore:
			args = append(args, cond.Value)
			clauses = append(clauses, fmt.Sprintf("(doc->>'%s')::timestamptz < $%d", cond.Field, len(args)))
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return store.ErrDuplicate
	}
	return err
}
