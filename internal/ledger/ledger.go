// Package ledger
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"xrptrader/internal/order"
)

// Wallet is a custodial XRPL wallet the engine signs with.
type Wallet struct {
	Address string
	Seed    string
}

var (
	// ErrTransient marks transport-level failures: the submission outcome
	// is unknown or retriable, and the order should return to PENDING for
	// re-evaluation on the next tick.
	ErrTransient = errors.New("transient ledger error")

	// ErrRejected marks a definitive ledger rejection (tec-class engine
	// result). The attempt is final; the order moves to FAILED.
	ErrRejected = errors.New("ledger rejected transaction")

	// ErrInsufficientFunds is a rejection caused by the wallet lacking
	// balance for the transaction. Permanent.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Transient reports whether err allows a retry on the next poll tick.
func Transient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// SwapResult is the outcome of a confirmed swap submission.
type SwapResult struct {
	TxHash      string
	TokenAmount decimal.Decimal
	XRPAmount   decimal.Decimal
}

// Ledger is the interface to the XRP Ledger. Every call is fallible and must
// be bounded by the context deadline; submissions can take several seconds
// while consensus validates the transaction.
type Ledger interface {
	// XrpBalance returns the spendable XRP balance of an account, net of
	// the ledger's base and owner reserves.
	XrpBalance(ctx context.Context, address string) (decimal.Decimal, error)
	// TokenBalance returns the issued-token balance held via a trustline.
	TokenBalance(ctx context.Context, address, pairAddress string) (decimal.Decimal, error)
	// TrustlineExists reports whether the account already holds a
	// trustline for the pair's token.
	TrustlineExists(ctx context.Context, address, pairAddress string) (bool, error)
	// CreateTrustline submits a TrustSet sized to limit.
	CreateTrustline(ctx context.Context, w Wallet, pairAddress string, limit decimal.Decimal) error
	// TokenSupply returns the issuer's total obligations for the token.
	TokenSupply(ctx context.Context, pairAddress string) (decimal.Decimal, error)
	// EstimateTokensForXRP walks the order book to estimate how many
	// tokens the given XRP amount buys right now.
	EstimateTokensForXRP(ctx context.Context, pairAddress string, xrpAmount decimal.Decimal) (decimal.Decimal, error)
	// EstimateXRPForTokens is the sell-side counterpart.
	EstimateXRPForTokens(ctx context.Context, pairAddress string, tokenAmount decimal.Decimal) (decimal.Decimal, error)
	// Swap submits a path-finding self payment that atomically exchanges
	// XRP for token (buy) or token for XRP (sell). A confirmed swap cannot
	// be rolled back.
	Swap(ctx context.Context, w Wallet, pairAddress string, side order.Side, tokenAmount, xrpAmount decimal.Decimal) (SwapResult, error)
	// SendXRP transfers native XRP to another address.
	SendXRP(ctx context.Context, w Wallet, to string, amount decimal.Decimal) error
}
