// Package engine implements the limit order execution engine: a supervisor
// that keeps one polling watcher per open order, a pure trigger evaluator,
// and the execution pipeline that moves funds once a watcher fires.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"xrptrader/internal/db"
	"xrptrader/internal/journal"
	"xrptrader/internal/ledger"
	"xrptrader/internal/notifier"
	"xrptrader/internal/oracle"
	"xrptrader/internal/order"
)

// Config carries the engine's tunables.
type Config struct {
	// PollInterval is the fixed cadence every watcher polls at.
	PollInterval time.Duration
	// RequestTimeout bounds each external call (oracle fetch, ledger op).
	RequestTimeout time.Duration
	// SubmitTimeout bounds a ledger submission including the consensus wait.
	SubmitTimeout time.Duration
	// FeePercent is the platform fee taken from each executed trade's
	// notional value, in percent.
	FeePercent decimal.Decimal
	// ReferralPercent is the referrer's share of the fee, in percent.
	ReferralPercent decimal.Decimal
	// FeeWalletAddress receives the platform share of the fee.
	FeeWalletAddress string
	// MinWalletBalance is the least XRP a wallet must hold to create an
	// order.
	MinWalletBalance decimal.Decimal
}

// DefaultConfig mirrors the production defaults: 5s polling, 1% fee with a
// 10% referral share.
func DefaultConfig() Config {
	return Config{
		PollInterval:     5 * time.Second,
		RequestTimeout:   10 * time.Second,
		SubmitTimeout:    30 * time.Second,
		FeePercent:       decimal.NewFromInt(1),
		ReferralPercent:  decimal.NewFromInt(10),
		MinWalletBalance: decimal.RequireFromString("0.2"),
	}
}

// Engine owns the watcher registry and exposes the order lifecycle API.
type Engine struct {
	cfg      Config
	storage  db.Storage
	oracle   oracle.Oracle
	ledger   ledger.Ledger
	notifier notifier.Notifier

	mu       sync.Mutex
	watchers map[string]*watcher
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

func New(cfg Config, storage db.Storage, orc oracle.Oracle, ldg ledger.Ledger, n notifier.Notifier) *Engine {
	return &Engine{
		cfg:      cfg,
		storage:  storage,
		oracle:   orc,
		ledger:   ldg,
		notifier: n,
		watchers: make(map[string]*watcher),
	}
}

// Start re-scans the store for PENDING orders and spawns one watcher per
// order. The store is the single source of truth for liveness: no in-memory
// registry survives a restart, so boot always reconstructs from PENDING rows.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	e.mu.Unlock()

	open, err := e.storage.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open orders at boot: %w", err)
	}
	for _, o := range open {
		e.spawnWatcher(o.ID)
	}
	log.Printf("Start | Engine started, watching %d open orders", len(open))
	return nil
}

// Stop cancels every watcher and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
	log.Println("Stop | Engine stopped")
}

// CreateParams are the user-supplied order parameters.
type CreateParams struct {
	PairAddress string
	Side        order.Side
	TriggerMode order.TriggerMode
	// TargetPrice is the absolute target for TriggerPrice orders.
	TargetPrice decimal.Decimal
	// TargetPercent is the signed percent offset from the current price
	// for TriggerPercent orders (e.g. -5 buys 5% below current).
	TargetPercent decimal.Decimal
	// Amount is XRP to spend (buy) or percent of token balance (sell).
	Amount decimal.Decimal
	// ExpireAt overrides the user's default order expiry when set.
	ExpireAt *time.Time
}

// CreateOrder persists a PENDING order and spawns its watcher.
func (e *Engine) CreateOrder(ctx context.Context, ownerID string, p CreateParams) (string, error) {
	user, err := e.storage.GetUser(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("failed to load user %s: %w", ownerID, err)
	}
	if user == nil {
		return "", fmt.Errorf("unknown user %s", ownerID)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	balance, err := e.ledger.XrpBalance(callCtx, user.DepositAddress)
	if err != nil {
		return "", fmt.Errorf("failed to check wallet balance: %w", err)
	}
	if balance.LessThan(e.cfg.MinWalletBalance) {
		return "", fmt.Errorf("wallet needs at least %s XRP to create limit orders", e.cfg.MinWalletBalance)
	}
	if p.Side == order.SideSell {
		tokenBalance, err := e.ledger.TokenBalance(callCtx, user.DepositAddress, p.PairAddress)
		if err != nil {
			return "", fmt.Errorf("failed to check token balance: %w", err)
		}
		if !tokenBalance.IsPositive() {
			return "", fmt.Errorf("wallet holds no %s to sell", p.PairAddress)
		}
	}

	target := p.TargetPrice
	if p.TriggerMode == order.TriggerPercent {
		// Anchor the percent to the price observed right now; the
		// target never trails the market afterwards.
		pair, err := e.oracle.PairInfo(callCtx, p.PairAddress)
		if err != nil {
			return "", fmt.Errorf("failed to fetch current price: %w", err)
		}
		if !pair.Found {
			return "", fmt.Errorf("unknown pair %s", p.PairAddress)
		}
		target = order.AbsoluteTarget(pair.PriceXRP, p.TargetPercent)
	}

	expireAt := p.ExpireAt
	if expireAt == nil && user.LimitOrderExpire > 0 {
		t := time.Now().UTC().Add(user.LimitOrderExpire)
		expireAt = &t
	}

	now := time.Now().UTC()
	o := order.Order{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		PairAddress: p.PairAddress,
		Side:        p.Side,
		TriggerMode: p.TriggerMode,
		TargetPrice: target,
		Amount:      p.Amount,
		ExpireAt:    expireAt,
		State:       order.StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.Validate(); err != nil {
		return "", err
	}
	if err := e.storage.SaveOrder(ctx, o); err != nil {
		return "", fmt.Errorf("failed to save order: %w", err)
	}

	e.storage.LogEvent(ctx, journal.Event{
		Time:        now,
		Type:        "order",
		Description: "order_created",
		Data: map[string]any{
			"order_id": o.ID,
			"owner_id": ownerID,
			"pair":     o.PairAddress,
			"side":     o.Side,
			"target":   o.TargetPrice.String(),
		},
	})

	e.spawnWatcher(o.ID)
	log.Printf("CreateOrder | Order %s created: %s %s target %s", o.ID, o.Side, o.PairAddress, o.TargetPrice)
	return o.ID, nil
}

// CancelOrder cancels a PENDING order. It reports false when the order
// already left PENDING (executed, expired, or mid-execution): the cancel is
// not applicable and the caller is told so.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	changed, err := e.storage.TransitionState(ctx, orderID, order.StatePending, order.StateCancelled)
	if err != nil {
		return false, fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	if !changed {
		return false, nil
	}

	e.stopWatcher(orderID)
	e.storage.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        "order",
		Description: "order_cancelled",
		Data:        map[string]any{"order_id": orderID},
	})
	log.Printf("CancelOrder | Order %s cancelled", orderID)
	return true, nil
}

// CancelOpenOrders cancels every PENDING order of an owner and returns how
// many cancellations were accepted.
func (e *Engine) CancelOpenOrders(ctx context.Context, ownerID string) (int, error) {
	open, err := e.storage.ListOpenOrdersByOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to list open orders for %s: %w", ownerID, err)
	}
	cancelled := 0
	for _, o := range open {
		accepted, err := e.CancelOrder(ctx, o.ID)
		if err != nil {
			log.Printf("CancelOpenOrders | Failed to cancel order %s: %v", o.ID, err)
			continue
		}
		if accepted {
			cancelled++
		}
	}
	return cancelled, nil
}

// ListOpenOrders returns the owner's PENDING orders.
func (e *Engine) ListOpenOrders(ctx context.Context, ownerID string) ([]order.Order, error) {
	return e.storage.ListOpenOrdersByOwner(ctx, ownerID)
}

// withdrawFeeHeadroom is kept back from a sweep to cover the tx fee.
var withdrawFeeHeadroom = decimal.RequireFromString("0.00005")

// Withdraw sweeps the owner's spendable XRP balance to another address.
func (e *Engine) Withdraw(ctx context.Context, ownerID, to string) error {
	user, err := e.storage.GetUser(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", ownerID, err)
	}
	if user == nil {
		return fmt.Errorf("unknown user %s", ownerID)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()

	balance, err := e.ledger.XrpBalance(callCtx, user.DepositAddress)
	if err != nil {
		return fmt.Errorf("failed to check wallet balance: %w", err)
	}
	amount := balance.Sub(withdrawFeeHeadroom)
	if !amount.IsPositive() {
		return fmt.Errorf("nothing to withdraw, spendable balance is %s XRP", balance)
	}

	wallet := ledger.Wallet{Address: user.DepositAddress, Seed: user.DepositSeed}
	if err := e.ledger.SendXRP(callCtx, wallet, to, amount); err != nil {
		return fmt.Errorf("withdraw failed: %w", err)
	}
	log.Printf("Withdraw | Sent %s XRP from %s to %s", amount, user.DepositAddress, to)
	return nil
}
