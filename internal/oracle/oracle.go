// Package oracle
package oracle

import (
	"context"

	"github.com/shopspring/decimal"
)

// PairInfo is a snapshot of a trading pair's market state. Found is false
// when the oracle does not know the pair; callers must treat that as
// "no price available", not as an error.
type PairInfo struct {
	Dex          string
	Pair         string
	PriceUSD     decimal.Decimal
	PriceXRP     decimal.Decimal
	LiquidityUSD decimal.Decimal
	MarketCapUSD decimal.Decimal
	Found        bool
}

// Oracle fetches current market price and liquidity for a trading pair.
// Pure query, no mutation. Implementations must bound every call with a
// timeout; the engine treats the oracle as occasionally unavailable.
type Oracle interface {
	PairInfo(ctx context.Context, pairAddress string) (PairInfo, error)
	// XRPPrice returns the current XRP/USD price.
	XRPPrice(ctx context.Context) (decimal.Decimal, error)
}
