package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-rxcollect/internal/store"
)

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

const outboxDDL = `
CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	kafka_topic    TEXT NOT NULL,
	kafka_key      TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INT NOT NULL DEFAULT 0,
	last_error     TEXT
);
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (created_at) WHERE processed_at IS NULL;
`

// Migrate creates the collection tables, their secondary indexes and the outbox
func (s *DocStore) Migrate(ctx context.Context) error {
	for _, name := range store.AllCollections {
		ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id         TEXT PRIMARY KEY,
	seq        BIGSERIAL,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS %[1]s_seq_idx ON %[1]s (seq);
CREATE INDEX IF NOT EXISTS %[1]s_doc_idx ON %[1]s USING GIN (doc jsonb_path_ops);`, name)
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		for _, field := range store.UniqueFields[name] {
			idx := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_%[2]s_key ON %[1]s ((doc->>'%[2]s'))`, name, field)
			if _, err := s.pool.Exec(ctx, idx); err != nil {
				return fmt.Errorf("migrate %s.%s: %w", name, field, err)
			}
		}
	}
	if _, err := s.pool.Exec(ctx, outboxDDL); err != nil {
		return fmt.Errorf("migrate outbox: %w", err)
	}
	s.logger.Info("document store migrated")
	return nil
}
