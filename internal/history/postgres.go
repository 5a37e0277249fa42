package history

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultConversation is the conversation key used when none is configured.
const DefaultConversation = "default"

const ddlExchanges = `
CREATE TABLE IF NOT EXISTS exchanges (
    id            BIGSERIAL    PRIMARY KEY,
    conversation  TEXT         NOT NULL,
    user_text     TEXT         NOT NULL,
    assistant     TEXT         NOT NULL,
    humor         SMALLINT     NOT NULL,
    honesty       SMALLINT     NOT NULL,
    metadata      JSONB        NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_exchanges_conversation_id
    ON exchanges (conversation, id);
`

// Migrate creates the exchanges table if it does not exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlExchanges); err != nil {
		return fmt.Errorf("history migrate: %w", err)
	}
	return nil
}

// PostgresOption configures a [PostgresStore].
type PostgresOption func(*PostgresStore)

// WithConversation scopes the store to one conversation key so several
// assistants can share a database.
func WithConversation(id string) PostgresOption {
	return func(s *PostgresStore) {
		if id != "" {
			s.conversation = id
		}
	}
}

// PostgresStore is a [Store] backed by a PostgreSQL exchanges table.
// Metadata is stored as JSONB.
type PostgresStore struct {
	pool         *pgxpool.Pool
	conversation string
	closed       atomic.Bool
}

// NewPostgresStore opens a connection pool to dsn, verifies it with a ping,
// and runs [Migrate].
func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: %w", err)
	}

	s := &PostgresStore{pool: pool, conversation: DefaultConversation}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Add implements [Store].
func (s *PostgresStore) Add(ctx context.Context, e Exchange) error {
	if s.closed.Load() {
		return ErrClosed
	}
	const q = `
		INSERT INTO exchanges
		    (conversation, user_text, assistant, humor, honesty, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		s.conversation,
		e.User,
		e.Assistant,
		e.Humor,
		e.Honesty,
		meta,
		created,
	)
	if err != nil {
		return fmt.Errorf("history store: add: %w", err)
	}
	return nil
}

// Recent implements [Store].
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Exchange, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	// LIMIT NULL returns every row.
	var lim any
	if limit > 0 {
		lim = limit
	}
	const q = `
		SELECT user_text, assistant, humor, honesty, metadata, created_at
		FROM (
		    SELECT id, user_text, assistant, humor, honesty, metadata, created_at
		    FROM   exchanges
		    WHERE  conversation = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) newest
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, s.conversation, lim)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Exchange, error) {
		var (
			e              Exchange
			humor, honesty int16
		)
		if err := row.Scan(&e.User, &e.Assistant, &humor, &honesty, &e.Metadata, &e.CreatedAt); err != nil {
			return Exchange{}, err
		}
		e.Humor, e.Honesty = int(humor), int(honesty)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	if out == nil {
		out = []Exchange{}
	}
	return out, nil
}

// Clear implements [Store]. Only the configured conversation is removed.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM exchanges WHERE conversation = $1`, s.conversation); err != nil {
		return fmt.Errorf("history store: clear: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.pool.Ping(ctx)
}

// Close implements [Store]. It releases every pooled connection.
func (s *PostgresStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.pool.Close()
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
