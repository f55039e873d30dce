package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/foundation/pkg/engine"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Invocation is one journaled plugin invocation.
type Invocation struct {
	ID           string         `json:"id"`
	Plugin       string         `json:"plugin"`
	Status       engine.Status  `json:"status"`
	Changed      bool           `json:"changed"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at"`
	Duration     time.Duration  `json:"duration"`
	ErrorClass   *string        `json:"error_class,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Request      string         `json:"request"` // JSON blob
	Result       *engine.Result `json:"result,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Item is one primitive outcome of an invocation.
type Item struct {
	InvocationID string        `json:"invocation_id"`
	Seq          int           `json:"seq"`
	Name         string        `json:"name"`
	Target       string        `json:"target"`
	Status       engine.Status `json:"status"`
	Message      *string       `json:"message,omitempty"`
}

// Fact is the latest value a plugin reported for a key.
type Fact struct {
	Plugin       string    `json:"plugin"`
	Key          string    `json:"key"`
	Value        string    `json:"value"` // JSON blob
	InvocationID string    `json:"invocation_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListOptions filters ListInvocations. Zero values match everything.
type ListOptions struct {
	Plugin string
	Status engine.Status
	Since  time.Time
	Limit  int
	Offset int
}

// Summary counts invocations per plugin and status.
type Summary struct {
	Plugin  string        `json:"plugin"`
	Status  engine.Status `json:"status"`
	Count   int           `json:"count"`
	Changed int           `json:"changed"`
}

// Store defines the interface for the journal.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Invocation operations
	RecordInvocation(ctx context.Context, id string, request interface{}, result *engine.Result) (*Invocation, error)
	GetInvocation(ctx context.Context, id string) (*Invocation, error)
	ListInvocations(ctx context.Context, opts ListOptions) ([]*Invocation, error)
	ListItems(ctx context.Context, invocationID string) ([]*Item, error)
	Summarize(ctx context.Context, since time.Time) ([]*Summary, error)
	PruneInvocations(ctx context.Context, before time.Time) (int64, error)

	// Facts operations
	GetFact(ctx context.Context, plugin, key string) (*Fact, error)
	ListFacts(ctx context.Context, plugin string) ([]*Fact, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
