// Package db
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"xrptrader/internal/journal"
	"xrptrader/internal/order"
)

// User holds the custodial-wallet account of a chat user. The engine reads
// the wallet seed to sign transactions and only ever mutates the referral
// earning counter; users are created and deleted elsewhere.
type User struct {
	ChatID           string
	Username         string
	DepositSeed      string // wallet seed of the custodial deposit wallet
	DepositAddress   string
	ReferredBy       string // chat id of the referrer, empty if none
	ReferralEarning  decimal.Decimal
	LimitOrderExpire time.Duration // default expiry applied to new orders
	CreatedAt        time.Time
}

// OrderStore is the durable record of limit orders and their lifecycle.
type OrderStore interface {
	SaveOrder(ctx context.Context, o order.Order) error
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOpenOrders(ctx context.Context) ([]order.Order, error)
	ListOpenOrdersByOwner(ctx context.Context, ownerID string) ([]order.Order, error)
	// TransitionState atomically moves an order from one state to another.
	// It reports whether a row actually changed, so that two concurrent
	// actors racing for the same transition cannot both win.
	TransitionState(ctx context.Context, id string, from, to order.State) (bool, error)
	// SetExecutionResult writes the terminal state and tx hash after an
	// execution attempt.
	SetExecutionResult(ctx context.Context, id string, st order.State, txHash string) error
}

// UserStore gives the engine read/write access to user records.
type UserStore interface {
	GetUser(ctx context.Context, chatID string) (*User, error)
	SaveUser(ctx context.Context, u User) error
	// AddReferralEarning atomically increments the referrer's cumulative
	// earning counter.
	AddReferralEarning(ctx context.Context, chatID string, amount decimal.Decimal) error
}

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	OrderStore
	UserStore
	journal.Journaler
}
