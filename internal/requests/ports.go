package requests

import (
	"context"

	"github.com/example/wallet-ledger/internal/fees"
	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/limits"
	"github.com/example/wallet-ledger/internal/outbox"
)

// Env is the transactional read view handed to handlers. Lookups return
// ledger.ErrNotFound for unknown ids.
type Env interface {
	Account(ctx context.Context, id string) (*ledger.Account, error)
	Card(ctx context.Context, id string) (*ledger.Card, error)
	RevenueAccount(ctx context.Context, id string) (*ledger.RevenueAccount, error)
	DefaultRevenueAccount(ctx context.Context, currency string) (*ledger.RevenueAccount, error)
	fees.Source
	limits.Source
}

// Handler turns a request of one subject into a balanced entry set.
type Handler interface {
	// Validate checks the request against current ledger state.
	Validate(ctx context.Context, env Env, r *Request) error
	// Build produces the entries posted on execution.
	Build(ctx context.Context, env Env, r *Request) (ledger.EntrySet, error)
}

// Tx is the storage transaction the service runs in.
type Tx interface {
	Env
	ledger.Tx

	// LockRequest reads and locks a request row with its data.
	LockRequest(ctx context.Context, id string) (*Request, error)
	// InsertRequest writes the request row and its data row.
	InsertRequest(ctx context.Context, r *Request) error
	UpdateRequest(ctx context.Context, r *Request) error
	// LastTransition returns nil, nil for a request without transitions.
	LastTransition(ctx context.Context, requestID string) (*Transition, error)
	InsertTransition(ctx context.Context, t *Transition) error
	EnqueueEvent(ctx context.Context, e outbox.Event) error
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	Request(ctx context.Context, id string) (*Request, error)
	// Transitions returns the chain of a request, oldest first.
	Transitions(ctx context.Context, requestID string) ([]*Transition, error)
}

// TANService consumes one-time authorization codes.
type TANService interface {
	Consume(ctx context.Context, userID, code string) (bool, error)
}
