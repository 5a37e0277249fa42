// Package history keeps the running conversation between the user and TARS.
//
// Every completed question/answer pair is stored as an [Exchange]. The
// generation client replays the most recent exchanges as prior turns so the
// model can follow the conversation. Two backends are provided: [MemoryStore]
// keeps a bounded window in process memory, and [PostgresStore] persists every
// exchange to PostgreSQL.
//
// Every implementation must be safe for concurrent use.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by store operations after Close.
var ErrClosed = errors.New("history: store closed")

// Exchange is one completed user/assistant turn pair.
type Exchange struct {
	// User is the query as the user typed or spoke it.
	User string

	// Assistant is the full response text.
	Assistant string

	// Humor and Honesty are the personality levels the response was
	// generated with.
	Humor   int
	Honesty int

	// Metadata holds free-form annotations (e.g. "run_id", "source").
	Metadata map[string]string

	// CreatedAt is set by the store when zero.
	CreatedAt time.Time
}

// Store is an append-only conversation log.
type Store interface {
	// Add appends an exchange.
	Add(ctx context.Context, e Exchange) error

	// Recent returns up to limit of the newest exchanges, oldest first.
	// A limit of 0 or less returns every stored exchange.
	Recent(ctx context.Context, limit int) ([]Exchange, error)

	// Clear removes every exchange.
	Clear(ctx context.Context) error

	// Close releases the backend. Further calls return ErrClosed.
	Close() error
}
