package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xrptrader/internal/db"
	"xrptrader/internal/ledger"
	"xrptrader/internal/notifier"
	"xrptrader/internal/oracle"
	"xrptrader/internal/order"
)

const (
	testPair     = "USD.rIssuerUSD1234567890"
	testOwner    = "1001"
	testReferrer = "2002"

	ownerAddress    = "rOwnerAddr111111111111111"
	referrerAddress = "rReferrerAddr222222222222"
	feeAddress      = "rFeeWallet333333333333333"
)

// stubOracle serves a fixed price; Err and Missing script oracle outages.
type stubOracle struct {
	mu      sync.Mutex
	price   decimal.Decimal
	err     error
	missing bool
}

func (s *stubOracle) PairInfo(ctx context.Context, pairAddress string) (oracle.PairInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return oracle.PairInfo{}, s.err
	}
	if s.missing {
		return oracle.PairInfo{Found: false}, nil
	}
	return oracle.PairInfo{
		Dex:      "xrpl",
		Pair:     pairAddress,
		PriceXRP: s.price,
		Found:    true,
	}, nil
}

func (s *stubOracle) XRPPrice(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(2), nil
}

func (s *stubOracle) setPrice(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = decimal.RequireFromString(p)
}

type testEnv struct {
	engine  *Engine
	storage *db.MemoryStorage
	ledger  *ledger.MockLedger
	oracle  *stubOracle
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	storage := db.NewMemory()
	mock := ledger.NewMockLedger()
	orc := &stubOracle{price: decimal.RequireFromString("0.50")}

	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.FeeWalletAddress = feeAddress

	eng := New(cfg, storage, orc, mock, notifier.NopNotifier{})

	ctx := context.Background()
	require.NoError(t, storage.SaveUser(ctx, db.User{
		ChatID:         testOwner,
		DepositSeed:    "sOwnerSeed",
		DepositAddress: ownerAddress,
		ReferredBy:     testReferrer,
	}))
	require.NoError(t, storage.SaveUser(ctx, db.User{
		ChatID:         testReferrer,
		DepositSeed:    "sReferrerSeed",
		DepositAddress: referrerAddress,
	}))
	mock.XrpBalances[ownerAddress] = decimal.NewFromInt(100)

	return &testEnv{engine: eng, storage: storage, ledger: mock, oracle: orc}
}

func (env *testEnv) pendingOrder(t *testing.T, side order.Side, target string) order.Order {
	t.Helper()
	now := time.Now().UTC()
	o := order.Order{
		ID:          fmt.Sprintf("ord-%s-%d", side, now.UnixNano()),
		OwnerID:     testOwner,
		PairAddress: testPair,
		Side:        side,
		TriggerMode: order.TriggerPrice,
		TargetPrice: decimal.RequireFromString(target),
		Amount:      decimal.NewFromInt(10),
		State:       order.StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, env.storage.SaveOrder(context.Background(), o))
	return o
}

func (env *testEnv) orderState(t *testing.T, id string) order.State {
	t.Helper()
	o, err := env.storage.GetOrder(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o.State
}

func TestCreateOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("price order is persisted as PENDING", func(t *testing.T) {
		id, err := env.engine.CreateOrder(ctx, testOwner, CreateParams{
			PairAddress: testPair,
			Side:        order.SideBuy,
			TriggerMode: order.TriggerPrice,
			TargetPrice: decimal.RequireFromString("0.40"),
			Amount:      decimal.NewFromInt(10),
		})
		require.NoError(t, err)

		o, err := env.storage.GetOrder(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, o)
		assert.Equal(t, order.StatePending, o.State)
		assert.True(t, o.TargetPrice.Equal(decimal.RequireFromString("0.40")))
	})

	t.Run("percent order anchors to the current price", func(t *testing.T) {
		env.oracle.setPrice("0.50")
		id, err := env.engine.CreateOrder(ctx, testOwner, CreateParams{
			PairAddress:   testPair,
			Side:          order.SideBuy,
			TriggerMode:   order.TriggerPercent,
			TargetPercent: decimal.NewFromInt(-10),
			Amount:        decimal.NewFromInt(10),
		})
		require.NoError(t, err)

		o, err := env.storage.GetOrder(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, o)
		// 10% below 0.50, fixed at creation time.
		assert.True(t, o.TargetPrice.Equal(decimal.RequireFromString("0.45")),
			"target = %s", o.TargetPrice)
	})

	t.Run("unknown user is rejected", func(t *testing.T) {
		_, err := env.engine.CreateOrder(ctx, "9999", CreateParams{
			PairAddress: testPair,
			Side:        order.SideBuy,
			TriggerMode: order.TriggerPrice,
			TargetPrice: decimal.RequireFromString("0.40"),
			Amount:      decimal.NewFromInt(10),
		})
		assert.Error(t, err)
	})

	t.Run("wallet below minimum balance is rejected", func(t *testing.T) {
		require.NoError(t, env.storage.SaveUser(ctx, db.User{
			ChatID:         "3003",
			DepositAddress: "rPoorAddr",
		}))
		env.ledger.XrpBalances["rPoorAddr"] = decimal.RequireFromString("0.1")

		_, err := env.engine.CreateOrder(ctx, "3003", CreateParams{
			PairAddress: testPair,
			Side:        order.SideBuy,
			TriggerMode: order.TriggerPrice,
			TargetPrice: decimal.RequireFromString("0.40"),
			Amount:      decimal.NewFromInt(10),
		})
		assert.Error(t, err)
	})

	t.Run("sell without token balance is rejected", func(t *testing.T) {
		_, err := env.engine.CreateOrder(ctx, testOwner, CreateParams{
			PairAddress: "EUR.rIssuerEUR111",
			Side:        order.SideSell,
			TriggerMode: order.TriggerPrice,
			TargetPrice: decimal.RequireFromString("0.60"),
			Amount:      decimal.NewFromInt(50),
		})
		assert.Error(t, err)
	})

	t.Run("default expiry comes from the user record", func(t *testing.T) {
		require.NoError(t, env.storage.SaveUser(ctx, db.User{
			ChatID:           "4004",
			DepositAddress:   "rExpAddr",
			LimitOrderExpire: time.Hour,
		}))
		env.ledger.XrpBalances["rExpAddr"] = decimal.NewFromInt(10)

		id, err := env.engine.CreateOrder(ctx, "4004", CreateParams{
			PairAddress: testPair,
			Side:        order.SideBuy,
			TriggerMode: order.TriggerPrice,
			TargetPrice: decimal.RequireFromString("0.40"),
			Amount:      decimal.NewFromInt(5),
		})
		require.NoError(t, err)

		o, err := env.storage.GetOrder(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, o)
		require.NotNil(t, o.ExpireAt)
		assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), *o.ExpireAt, time.Minute)
	})
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("pending order cancels", func(t *testing.T) {
		o := env.pendingOrder(t, order.SideBuy, "0.40")
		accepted, err := env.engine.CancelOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.True(t, accepted)
		assert.Equal(t, order.StateCancelled, env.orderState(t, o.ID))
	})

	t.Run("second cancel is rejected", func(t *testing.T) {
		o := env.pendingOrder(t, order.SideBuy, "0.40")
		_, err := env.engine.CancelOrder(ctx, o.ID)
		require.NoError(t, err)

		accepted, err := env.engine.CancelOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.False(t, accepted)
	})

	t.Run("cancel loses to a concurrent execution claim", func(t *testing.T) {
		o := env.pendingOrder(t, order.SideBuy, "0.40")
		changed, err := env.storage.TransitionState(ctx, o.ID, order.StatePending, order.StateExecuting)
		require.NoError(t, err)
		require.True(t, changed)

		accepted, err := env.engine.CancelOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.False(t, accepted, "cancel must not touch an order mid-execution")
		assert.Equal(t, order.StateExecuting, env.orderState(t, o.ID))
	})
}

func TestCancelOpenOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		o := env.pendingOrder(t, order.SideBuy, "0.40")
		ids = append(ids, o.ID)
		time.Sleep(time.Millisecond)
	}
	// One of them is already executing.
	changed, err := env.storage.TransitionState(ctx, ids[1], order.StatePending, order.StateExecuting)
	require.NoError(t, err)
	require.True(t, changed)

	cancelled, err := env.engine.CancelOpenOrders(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled)
	assert.Equal(t, order.StateCancelled, env.orderState(t, ids[0]))
	assert.Equal(t, order.StateExecuting, env.orderState(t, ids[1]))
	assert.Equal(t, order.StateCancelled, env.orderState(t, ids[2]))
}

func TestStartRespawnsWatchersFromStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.pendingOrder(t, order.SideBuy, "0.40")
	time.Sleep(time.Millisecond)
	env.pendingOrder(t, order.SideSell, "0.90")

	// A terminal order must not get a watcher.
	o := env.pendingOrder(t, order.SideBuy, "0.40")
	require.NoError(t, env.storage.SetExecutionResult(ctx, o.ID, order.StateExecuted, "TX"))

	require.NoError(t, env.engine.Start(ctx))
	defer env.engine.Stop()

	assert.Equal(t, 2, env.engine.WatcherCount())

	require.Error(t, env.engine.Start(ctx), "double start must fail")
}

func TestWatcherExecutesTriggeredOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Price 0.50, buy target 0.60: triggers on the first tick.
	o := env.pendingOrder(t, order.SideBuy, "0.60")

	require.NoError(t, env.engine.Start(ctx))
	defer env.engine.Stop()

	require.Eventually(t, func() bool {
		got, err := env.storage.GetOrder(ctx, o.ID)
		return err == nil && got != nil && got.State == order.StateExecuted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, env.ledger.SwapCalls())

	final, err := env.storage.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, final.TxHash)

	// The watcher retires after execution.
	require.Eventually(t, func() bool {
		return env.engine.WatcherCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherExpiresOrderDespiteOracleOutage(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.err = fmt.Errorf("dexscreener down")
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	o := env.pendingOrder(t, order.SideBuy, "0.40")
	o.ExpireAt = &past
	require.NoError(t, env.storage.SaveOrder(ctx, o))

	require.NoError(t, env.engine.Start(ctx))
	defer env.engine.Stop()

	require.Eventually(t, func() bool {
		got, err := env.storage.GetOrder(ctx, o.ID)
		return err == nil && got != nil && got.State == order.StateExpired
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.ledger.SwapCalls())
}

func TestTickSkipsWhenOracleUnavailable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o := env.pendingOrder(t, order.SideBuy, "0.60")

	env.oracle.err = fmt.Errorf("dexscreener down")
	done := env.engine.tick(ctx, o.ID)
	assert.False(t, done, "oracle outage must not stop the watcher")
	assert.Equal(t, order.StatePending, env.orderState(t, o.ID))

	env.oracle.err = nil
	env.oracle.missing = true
	done = env.engine.tick(ctx, o.ID)
	assert.False(t, done, "unknown pair must not stop the watcher")
	assert.Equal(t, order.StatePending, env.orderState(t, o.ID))

	// A zero quote is below any buy target; it must be skipped, not traded.
	env.oracle.missing = false
	env.oracle.setPrice("0")
	done = env.engine.tick(ctx, o.ID)
	assert.False(t, done, "zero quote must not stop the watcher")
	assert.Equal(t, order.StatePending, env.orderState(t, o.ID))
	assert.Equal(t, 0, env.ledger.SwapCalls())
}

func TestTickStopsOnStaleOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("vanished order", func(t *testing.T) {
		assert.True(t, env.engine.tick(ctx, "no-such-order"))
	})

	t.Run("order already terminal", func(t *testing.T) {
		o := env.pendingOrder(t, order.SideBuy, "0.60")
		require.NoError(t, env.storage.SetExecutionResult(ctx, o.ID, order.StateCancelled, ""))
		assert.True(t, env.engine.tick(ctx, o.ID))
	})
}

// N actors race to claim the same order; exactly one swap must happen.
func TestConcurrentTriggersExecuteOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o := env.pendingOrder(t, order.SideBuy, "0.60")
	price := decimal.RequireFromString("0.50")

	const actors = 16
	var wg sync.WaitGroup
	for i := 0; i < actors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.engine.trigger(ctx, o, price)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, env.ledger.SwapCalls(), "exactly one actor may execute")
	assert.Equal(t, order.StateExecuted, env.orderState(t, o.ID))
}

func TestTransitionStateIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.pendingOrder(t, order.SideBuy, "0.60")

	const actors = 32
	wins := make(chan bool, actors)
	var wg sync.WaitGroup
	for i := 0; i < actors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := env.storage.TransitionState(ctx, o.ID, order.StatePending, order.StateExecuting)
			assert.NoError(t, err)
			wins <- changed
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for changed := range wins {
		if changed {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestWithdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("sweeps balance minus fee headroom", func(t *testing.T) {
		env.ledger.XrpBalances[ownerAddress] = decimal.NewFromInt(5)
		require.NoError(t, env.engine.Withdraw(ctx, testOwner, "rDestAddr"))

		expected := decimal.NewFromInt(5).Sub(decimal.RequireFromString("0.00005"))
		assert.True(t, env.ledger.SentTo("rDestAddr").Equal(expected),
			"sent %s, want %s", env.ledger.SentTo("rDestAddr"), expected)
	})

	t.Run("empty wallet has nothing to withdraw", func(t *testing.T) {
		env.ledger.XrpBalances[ownerAddress] = decimal.Zero
		assert.Error(t, env.engine.Withdraw(ctx, testOwner, "rDestAddr"))
	})

	t.Run("unknown user", func(t *testing.T) {
		assert.Error(t, env.engine.Withdraw(ctx, "9999", "rDestAddr"))
	})
}
