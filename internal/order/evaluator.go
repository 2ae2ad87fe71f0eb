package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the result of evaluating a pending order against the market.
type Outcome int

const (
	// Waiting means the price condition is not met yet.
	Waiting Outcome = iota
	// Triggered means the price condition is satisfied and the order
	// should be executed.
	Triggered
	// Expired means the order's expiry passed before the condition was met.
	Expired
)

func (o Outcome) String() string {
	switch o {
	case Waiting:
		return "waiting"
	case Triggered:
		return "triggered"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Evaluate decides whether an order should fire at the given price and time.
// It is a pure function: no I/O, no side effects.
//
// Expiry takes priority: an order past its ExpireAt never triggers, even when
// the price condition is met at the same instant. Buy orders trigger when the
// price falls to or below the target; sell orders when it rises to or above.
func Evaluate(o Order, currentPrice decimal.Decimal, now time.Time) Outcome {
	if o.ExpireAt != nil && !now.Before(*o.ExpireAt) {
		return Expired
	}
	switch o.Side {
	case SideBuy:
		if currentPrice.LessThanOrEqual(o.TargetPrice) {
			return Triggered
		}
	case SideSell:
		if currentPrice.GreaterThanOrEqual(o.TargetPrice) {
			return Triggered
		}
	}
	return Waiting
}
