package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"xrptrader/internal/journal"
	"xrptrader/internal/order"
)

// watcher is the transient in-memory handle for one PENDING order. It is
// never persisted: if the process restarts, Start rebuilds all watchers from
// the store's PENDING rows.
type watcher struct {
	orderID string
	cancel  context.CancelFunc
}

// spawnWatcher registers and starts a watcher for the order, guaranteeing at
// most one live watcher per order id.
func (e *Engine) spawnWatcher(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	if _, ok := e.watchers[orderID]; ok {
		return
	}
	wctx, cancel := context.WithCancel(e.ctx)
	e.watchers[orderID] = &watcher{orderID: orderID, cancel: cancel}
	e.wg.Add(1)
	go e.runWatcher(wctx, orderID)
}

// stopWatcher cancels the order's watcher, if any. Cancellation is
// cooperative: the loop notices at the top of its next iteration, never
// mid-execution.
func (e *Engine) stopWatcher(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.watchers[orderID]; ok {
		w.cancel()
	}
}

func (e *Engine) removeWatcher(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.watchers[orderID]; ok {
		w.cancel()
		delete(e.watchers, orderID)
	}
}

// WatcherCount reports how many watchers are live.
func (e *Engine) WatcherCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watchers)
}

// runWatcher owns one order's poll-evaluate-execute loop.
func (e *Engine) runWatcher(ctx context.Context, orderID string) {
	defer e.wg.Done()
	defer e.removeWatcher(orderID)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := e.safeTick(ctx, orderID); done {
				return
			}
		}
	}
}

// safeTick wraps one poll iteration so that nothing escapes the loop: one
// order's failure never affects another order or the process.
func (e *Engine) safeTick(ctx context.Context, orderID string) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("runWatcher | Recovered from panic while watching order %s: %v", orderID, r)
			done = false
		}
	}()
	return e.tick(ctx, orderID)
}

// tick performs one poll iteration. It returns true when the watcher should
// stop (order left PENDING, one way or another).
func (e *Engine) tick(ctx context.Context, orderID string) bool {
	o, err := e.storage.GetOrder(ctx, orderID)
	if err != nil {
		// A store error risks stalling the order indefinitely, so it
		// must be loud; the tick is retried at the next interval.
		log.Printf("runWatcher | STORE ERROR reading order %s, retrying next tick: %v", orderID, err)
		return false
	}
	if o == nil {
		log.Printf("runWatcher | Order %s vanished from store, stopping watcher", orderID)
		return true
	}
	if o.State != order.StatePending {
		// Another actor moved the order; this watcher is stale.
		return true
	}

	now := time.Now().UTC()

	// Expiry is a pure time condition; it must not starve behind an
	// unavailable oracle.
	if o.ExpireAt != nil && !now.Before(*o.ExpireAt) {
		return e.expire(ctx, *o)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	pair, err := e.oracle.PairInfo(callCtx, o.PairAddress)
	cancel()
	if err != nil {
		// Oracle unavailable: skip this tick, no state change.
		log.Printf("runWatcher | Price fetch failed for order %s (%s), skipping tick: %v", o.ID, o.PairAddress, err)
		return false
	}
	if !pair.Found {
		log.Printf("runWatcher | Pair %s unknown to oracle for order %s, skipping tick", o.PairAddress, o.ID)
		return false
	}
	if !pair.PriceXRP.IsPositive() {
		// A zero or negative quote is bad market data, not a price.
		log.Printf("runWatcher | Unusable price %s for pair %s, order %s, skipping tick", pair.PriceXRP, o.PairAddress, o.ID)
		return false
	}

	switch order.Evaluate(*o, pair.PriceXRP, now) {
	case order.Waiting:
		return false
	case order.Expired:
		return e.expire(ctx, *o)
	case order.Triggered:
		return e.trigger(ctx, *o, pair.PriceXRP)
	}
	return false
}

// expire attempts PENDING->EXPIRED. Losing the race to another actor means
// the order is no longer ours to expire; either way the watcher stops.
func (e *Engine) expire(ctx context.Context, o order.Order) bool {
	changed, err := e.storage.TransitionState(ctx, o.ID, order.StatePending, order.StateExpired)
	if err != nil {
		log.Printf("runWatcher | STORE ERROR expiring order %s, retrying next tick: %v", o.ID, err)
		return false
	}
	if !changed {
		return true
	}

	e.storage.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        "order",
		Description: "order_expired",
		Data:        map[string]any{"order_id": o.ID},
	})
	e.notify(o.OwnerID, "Limit order expired: %s %s target %s", o.Side, o.PairAddress, o.TargetPrice)
	log.Printf("runWatcher | Order %s expired", o.ID)
	return true
}

// trigger races for the PENDING->EXECUTING transition and, on winning, runs
// the execution pipeline synchronously. The watcher stops once the order
// reaches a terminal state; after a transient pipeline failure the order is
// back to PENDING and the same watcher keeps polling it.
func (e *Engine) trigger(ctx context.Context, o order.Order, price decimal.Decimal) bool {
	changed, err := e.storage.TransitionState(ctx, o.ID, order.StatePending, order.StateExecuting)
	if err != nil {
		log.Printf("runWatcher | STORE ERROR claiming order %s, retrying next tick: %v", o.ID, err)
		return false
	}
	if !changed {
		// Expected outcome of a lost race (e.g. concurrent user
		// cancel): abandon silently.
		return true
	}

	log.Printf("runWatcher | Order %s triggered at price %s (target %s)", o.ID, price, o.TargetPrice)
	e.storage.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        "order",
		Description: "order_triggered",
		Data: map[string]any{
			"order_id": o.ID,
			"price":    price.String(),
			"target":   o.TargetPrice.String(),
		},
	})

	requeued := e.execute(ctx, o, price)
	return !requeued
}

// notify delivers a user-facing message; failures are logged, never
// propagated.
func (e *Engine) notify(chatID, format string, args ...any) {
	if err := e.notifier.Notify(chatID, fmt.Sprintf(format, args...)); err != nil {
		log.Printf("notify | Failed to notify user %s: %v", chatID, err)
	}
}
