package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"xrptrader/internal/order"
)

// MockLedger provides scriptable responses for tests. Zero value is usable:
// every call succeeds, balances are zero.
type MockLedger struct {
	mu sync.Mutex

	XrpBalances   map[string]decimal.Decimal
	TokenBalances map[string]decimal.Decimal // keyed address|pair
	Trustlines    map[string]bool            // keyed address|pair
	Supply        decimal.Decimal

	// Errors to inject, nil means success.
	TrustlineErr error
	SwapErr      error
	SendErr      error

	// EmptyBook makes both estimators report no depth.
	EmptyBook bool

	swapCalls      int
	trustlineCalls int
	sendCalls      []sendCall
}

type sendCall struct {
	From   string
	To     string
	Amount decimal.Decimal
}

func NewMockLedger() *MockLedger {
	return &MockLedger{
		XrpBalances:   make(map[string]decimal.Decimal),
		TokenBalances: make(map[string]decimal.Decimal),
		Trustlines:    make(map[string]bool),
	}
}

func key(address, pair string) string { return address + "|" + pair }

func (m *MockLedger) XrpBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.XrpBalances[address], nil
}

func (m *MockLedger) TokenBalance(ctx context.Context, address, pairAddress string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TokenBalances[key(address, pairAddress)], nil
}

func (m *MockLedger) TrustlineExists(ctx context.Context, address, pairAddress string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Trustlines[key(address, pairAddress)], nil
}

func (m *MockLedger) CreateTrustline(ctx context.Context, w Wallet, pairAddress string, limit decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trustlineCalls++
	if m.TrustlineErr != nil {
		return m.TrustlineErr
	}
	m.Trustlines[key(w.Address, pairAddress)] = true
	return nil
}

func (m *MockLedger) TokenSupply(ctx context.Context, pairAddress string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Supply, nil
}

func (m *MockLedger) EstimateTokensForXRP(ctx context.Context, pairAddress string, xrpAmount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EmptyBook {
		return decimal.Zero, nil
	}
	return xrpAmount, nil
}

func (m *MockLedger) EstimateXRPForTokens(ctx context.Context, pairAddress string, tokenAmount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EmptyBook {
		return decimal.Zero, nil
	}
	return tokenAmount, nil
}

func (m *MockLedger) Swap(ctx context.Context, w Wallet, pairAddress string, side order.Side, tokenAmount, xrpAmount decimal.Decimal) (SwapResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swapCalls++
	if m.SwapErr != nil {
		return SwapResult{}, m.SwapErr
	}
	return SwapResult{
		TxHash:      fmt.Sprintf("MOCKTX%08d", m.swapCalls),
		TokenAmount: tokenAmount,
		XRPAmount:   xrpAmount,
	}, nil
}

func (m *MockLedger) SendXRP(ctx context.Context, w Wallet, to string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sendCalls = append(m.sendCalls, sendCall{From: w.Address, To: to, Amount: amount})
	return nil
}

// SwapCalls reports how many times Swap was invoked.
func (m *MockLedger) SwapCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swapCalls
}

// TrustlineCalls reports how many times CreateTrustline was invoked.
func (m *MockLedger) TrustlineCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trustlineCalls
}

// SentTo sums all XRP sent to an address.
func (m *MockLedger) SentTo(address string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, call := range m.sendCalls {
		if call.To == address {
			total = total.Add(call.Amount)
		}
	}
	return total
}
