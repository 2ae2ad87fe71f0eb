package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"xrptrader/internal/db"
	"xrptrader/internal/journal"
	"xrptrader/internal/ledger"
	"xrptrader/internal/order"
)

// execute runs the money-moving pipeline for an order that won the
// PENDING->EXECUTING race: trustline ensure, swap, fee skim, persist. The
// caller holds the only execution right for this order, so everything here
// is single-writer. It reports whether the order was returned to PENDING
// (transient failure), in which case the calling watcher keeps polling it.
//
// Failure policy per step: before the swap, transient errors put the order
// back to PENDING for re-evaluation on a later tick and permanent errors
// move it to FAILED. The swap itself is the point of no return; after it
// confirms, the order is EXECUTED no matter what happens to the fee skim;
// the user's trade outcome is never coupled to the platform's revenue
// mechanics.
func (e *Engine) execute(ctx context.Context, o order.Order, price decimal.Decimal) (requeued bool) {
	user, err := e.storage.GetUser(ctx, o.OwnerID)
	if err != nil {
		return e.backToPending(ctx, o, "load owner", err)
	}
	if user == nil {
		e.fail(ctx, o, "owner record missing")
		return false
	}
	wallet := ledger.Wallet{Address: user.DepositAddress, Seed: user.DepositSeed}

	// Step 1: ensure trustline (buy only). No funds have moved yet.
	if o.Side == order.SideBuy {
		if err := e.ensureTrustline(ctx, wallet, o.PairAddress); err != nil {
			if ledger.Transient(err) {
				return e.backToPending(ctx, o, "ensure trustline", err)
			}
			e.fail(ctx, o, "trustline setup failed: %v", err)
			return false
		}
	}

	// Step 2: size and submit the swap. Point of no return.
	tokenAmount, xrpAmount, err := e.sizeSwap(ctx, o, wallet.Address, price)
	if err != nil {
		if ledger.Transient(err) {
			return e.backToPending(ctx, o, "size swap", err)
		}
		e.fail(ctx, o, "%v", err)
		return false
	}

	swapCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	result, err := e.ledger.Swap(swapCtx, wallet, o.PairAddress, o.Side, tokenAmount, xrpAmount)
	cancel()
	if err != nil {
		if ledger.Transient(err) {
			return e.backToPending(ctx, o, "swap", err)
		}
		e.fail(ctx, o, "swap failed: %v", err)
		return false
	}
	log.Printf("execute | Order %s swap confirmed, tx %s", o.ID, result.TxHash)

	// Step 3: fee skim. Best-effort; failures are lost revenue, never a
	// failed order.
	e.skimFee(ctx, o, user, result.XRPAmount)

	// Step 4: persist the terminal state, decided solely by the swap.
	if err := e.storage.SetExecutionResult(ctx, o.ID, order.StateExecuted, result.TxHash); err != nil {
		log.Printf("execute | STORE ERROR persisting execution of order %s (tx %s): %v", o.ID, result.TxHash, err)
	}
	e.storage.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        "execution",
		Description: "order_executed",
		Data: map[string]any{
			"order_id": o.ID,
			"tx_hash":  result.TxHash,
			"tokens":   result.TokenAmount.String(),
			"xrp":      result.XRPAmount.String(),
		},
	})
	e.notify(o.OwnerID, "Limit order executed: %s %s, target %s, tx %s",
		o.Side, o.PairAddress, o.TargetPrice, result.TxHash)
	return false
}

// ensureTrustline creates the wallet's trustline for the token, sized to the
// token's total supply, when it does not exist yet.
func (e *Engine) ensureTrustline(ctx context.Context, wallet ledger.Wallet, pairAddress string) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	exists, err := e.ledger.TrustlineExists(callCtx, wallet.Address, pairAddress)
	cancel()
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	callCtx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
	supply, err := e.ledger.TokenSupply(callCtx, pairAddress)
	cancel()
	if err != nil {
		return err
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()
	return e.ledger.CreateTrustline(submitCtx, wallet, pairAddress, supply)
}

// sizeSwap computes the swap legs from the order amount and live balances.
// For buys the XRP leg is the order's budget and the token leg is estimated
// from order-book depth; for sells the token leg is the requested percent of
// the live token balance.
func (e *Engine) sizeSwap(ctx context.Context, o order.Order, address string, price decimal.Decimal) (tokenAmount, xrpAmount decimal.Decimal, err error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	switch o.Side {
	case order.SideBuy:
		xrpAmount = o.Amount
		balance, err := e.ledger.XrpBalance(callCtx, address)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if balance.LessThan(xrpAmount) {
			return decimal.Zero, decimal.Zero, errInsufficient("have %s XRP, need %s", balance, xrpAmount)
		}
		tokenAmount, err = e.ledger.EstimateTokensForXRP(callCtx, o.PairAddress, xrpAmount)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if !tokenAmount.IsPositive() {
			// Thin book: fall back to the oracle price. Without a
			// usable price either, the legs cannot be sized and the
			// attempt waits for the book or the oracle to recover.
			if !price.IsPositive() {
				return decimal.Zero, decimal.Zero, fmt.Errorf("%w: no book depth and no usable price for %s", ledger.ErrTransient, o.PairAddress)
			}
			tokenAmount = xrpAmount.Div(price)
		}
		return tokenAmount, xrpAmount, nil

	case order.SideSell:
		balance, err := e.ledger.TokenBalance(callCtx, address, o.PairAddress)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		tokenAmount = balance.Mul(o.Amount).Div(hundred)
		if !tokenAmount.IsPositive() {
			return decimal.Zero, decimal.Zero, errInsufficient("no %s balance to sell", o.PairAddress)
		}
		xrpAmount, err = e.ledger.EstimateXRPForTokens(callCtx, o.PairAddress, tokenAmount)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if !xrpAmount.IsPositive() {
			xrpAmount = tokenAmount.Mul(price)
			if !xrpAmount.IsPositive() {
				return decimal.Zero, decimal.Zero, fmt.Errorf("%w: no book depth and no usable price for %s", ledger.ErrTransient, o.PairAddress)
			}
		}
		return tokenAmount, xrpAmount, nil
	}
	return decimal.Zero, decimal.Zero, errInsufficient("invalid side %q", o.Side)
}

func errInsufficient(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ledger.ErrInsufficientFunds}, args...)...)
}

// skimFee transfers the platform's fee and, when the owner was referred, the
// referrer's share. Every sub-transfer is independently failable without
// affecting the order.
func (e *Engine) skimFee(ctx context.Context, o order.Order, user *db.User, notional decimal.Decimal) {
	if e.cfg.FeeWalletAddress == "" {
		return
	}

	var referrer *db.User
	if user.ReferredBy != "" {
		var err error
		referrer, err = e.storage.GetUser(ctx, user.ReferredBy)
		if err != nil {
			log.Printf("skimFee | Failed to load referrer %s for order %s: %v", user.ReferredBy, o.ID, err)
			referrer = nil
		}
	}

	fee, referrerShare, platformShare := SplitFee(notional, e.cfg.FeePercent, e.cfg.ReferralPercent, referrer != nil)
	if !fee.IsPositive() {
		return
	}

	wallet := ledger.Wallet{Address: user.DepositAddress, Seed: user.DepositSeed}

	if platformShare.IsPositive() {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		err := e.ledger.SendXRP(callCtx, wallet, e.cfg.FeeWalletAddress, platformShare)
		cancel()
		if err != nil {
			// Lost revenue, not a failed order.
			log.Printf("skimFee | Platform fee transfer of %s XRP failed for order %s: %v", platformShare, o.ID, err)
			return
		}
	}

	if referrer == nil || !referrerShare.IsPositive() {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	err := e.ledger.SendXRP(callCtx, wallet, referrer.DepositAddress, referrerShare)
	cancel()
	if err != nil {
		log.Printf("skimFee | Referral payout of %s XRP failed for order %s: %v", referrerShare, o.ID, err)
		return
	}
	if err := e.storage.AddReferralEarning(ctx, referrer.ChatID, referrerShare); err != nil {
		log.Printf("skimFee | Failed to record referral earning for %s: %v", referrer.ChatID, err)
	}
	e.storage.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        "execution",
		Description: "referral_paid",
		Data: map[string]any{
			"order_id": o.ID,
			"referrer": referrer.ChatID,
			"amount":   referrerShare.String(),
		},
	})
}

// backToPending returns a claimed order to PENDING after a transient
// failure; the watcher that claimed it keeps polling and re-evaluates on a
// later tick.
func (e *Engine) backToPending(ctx context.Context, o order.Order, step string, cause error) bool {
	log.Printf("execute | Transient failure at %s for order %s, returning to PENDING: %v", step, o.ID, cause)
	changed, err := e.storage.TransitionState(ctx, o.ID, order.StateExecuting, order.StatePending)
	if err != nil {
		log.Printf("execute | STORE ERROR returning order %s to PENDING: %v", o.ID, err)
		return false
	}
	return changed
}

// fail moves the order to its terminal FAILED state and tells the owner.
func (e *Engine) fail(ctx context.Context, o order.Order, format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	log.Printf("execute | Order %s failed: %s", o.ID, reason)
	if err := e.storage.SetExecutionResult(ctx, o.ID, order.StateFailed, ""); err != nil {
		log.Printf("execute | STORE ERROR persisting failure of order %s: %v", o.ID, err)
	}
	e.storage.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        "execution",
		Description: "order_failed",
		Data:        map[string]any{"order_id": o.ID, "reason": reason},
	})
	e.notify(o.OwnerID, "Limit order failed: %s %s, target %s (%s)", o.Side, o.PairAddress, o.TargetPrice, reason)
}
