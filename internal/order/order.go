// Package order
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a limit order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TriggerMode describes how the target price was specified by the user.
// Percent orders are anchored to the price observed at creation time and
// stored as an absolute target; the mode is kept for display only.
type TriggerMode string

const (
	TriggerPrice   TriggerMode = "price"
	TriggerPercent TriggerMode = "percent"
)

// State is the lifecycle state of a limit order. Exactly one watcher may be
// associated with a PENDING order at any time.
type State string

const (
	StatePending   State = "PENDING"
	StateExecuting State = "EXECUTING"
	StateExecuted  State = "EXECUTED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateExecuted, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Order represents a limit order. The store exclusively owns Order rows;
// watchers only ever hold the id.
type Order struct {
	ID          string
	OwnerID     string
	PairAddress string // "CURRENCY.issuer"
	Side        Side
	TriggerMode TriggerMode
	TargetPrice decimal.Decimal // absolute price in XRP, > 0
	Amount      decimal.Decimal // buy: XRP to spend; sell: percent of token balance (0,100]
	ExpireAt    *time.Time
	State       State
	TxHash      string // set only after a successful execution
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks the creation-time invariants.
func (o Order) Validate() error {
	if o.OwnerID == "" {
		return fmt.Errorf("order has no owner")
	}
	if _, _, err := SplitPair(o.PairAddress); err != nil {
		return err
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("invalid side %q", o.Side)
	}
	if !o.TargetPrice.IsPositive() {
		return fmt.Errorf("target price must be positive, got %s", o.TargetPrice)
	}
	if !o.Amount.IsPositive() {
		return fmt.Errorf("order amount must be positive, got %s", o.Amount)
	}
	if o.Side == SideSell && o.Amount.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("sell percent must be at most 100, got %s", o.Amount)
	}
	return nil
}

// SplitPair splits a "CURRENCY.issuer" pair address into its parts.
func SplitPair(pair string) (currency, issuer string, err error) {
	parts := strings.SplitN(pair, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid pair address %q, want CURRENCY.issuer", pair)
	}
	return parts[0], parts[1], nil
}

// AbsoluteTarget anchors a relative-percent target to the price observed at
// order creation. percent may be negative (e.g. -5 means 5% below current).
// The anchor is fixed once; it never trails the market afterwards.
func AbsoluteTarget(current, percent decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	hundred := decimal.NewFromInt(100)
	return current.Mul(one.Add(percent.Div(hundred)))
}
