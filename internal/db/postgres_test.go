package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xrptrader/internal/db/conf"
	"xrptrader/internal/journal"
	"xrptrader/internal/order"
)

func setupPostgres(t *testing.T) *Default {
	t.Helper()
	cfg, cleanup := conf.NewTestConfig(t)
	t.Cleanup(cleanup)

	storage, err := New(*cfg)
	require.NoError(t, err)
	return storage
}

func testOrder(id, owner string) order.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return order.Order{
		ID:          id,
		OwnerID:     owner,
		PairAddress: "USD.rIssuerUSD1234567890",
		Side:        order.SideBuy,
		TriggerMode: order.TriggerPrice,
		TargetPrice: decimal.RequireFromString("0.1234567"),
		Amount:      decimal.RequireFromString("25.5"),
		State:       order.StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func saveTestUser(t *testing.T, storage *Default, chatID string) {
	t.Helper()
	require.NoError(t, storage.SaveUser(context.Background(), User{
		ChatID:         chatID,
		Username:       "tester",
		DepositSeed:    "sSeed" + chatID,
		DepositAddress: "rAddr" + chatID,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}))
}

func TestSaveAndGetOrder(t *testing.T) {
	storage := setupPostgres(t)
	ctx := context.Background()
	saveTestUser(t, storage, "100")

	expire := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	o := testOrder("ord-1", "100")
	o.ExpireAt = &expire
	require.NoError(t, storage.SaveOrder(ctx, o))

	got, err := storage.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, o.OwnerID, got.OwnerID)
	assert.Equal(t, o.PairAddress, got.PairAddress)
	assert.Equal(t, o.Side, got.Side)
	assert.Equal(t, o.State, got.State)
	assert.True(t, got.TargetPrice.Equal(o.TargetPrice), "target = %s", got.TargetPrice)
	assert.True(t, got.Amount.Equal(o.Amount))
	require.NotNil(t, got.ExpireAt)
	assert.True(t, got.ExpireAt.Equal(expire), "expire_at = %s", got.ExpireAt)

	t.Run("missing order yields nil", func(t *testing.T) {
		got, err := storage.GetOrder(ctx, "no-such")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("invalid order is rejected before hitting the database", func(t *testing.T) {
		bad := testOrder("ord-bad", "100")
		bad.TargetPrice = decimal.Zero
		assert.Error(t, storage.SaveOrder(ctx, bad))
	})
}

func TestSaveOrderUpsertsMutableFields(t *testing.T) {
	storage := setupPostgres(t)
	ctx := context.Background()
	saveTestUser(t, storage, "100")

	o := testOrder("ord-1", "100")
	require.NoError(t, storage.SaveOrder(ctx, o))

	o.State = order.StateExecuted
	o.TxHash = "ABCDEF01"
	require.NoError(t, storage.SaveOrder(ctx, o))

	got, err := storage.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, order.StateExecuted, got.State)
	assert.Equal(t, "ABCDEF01", got.TxHash)
}

func TestListOpenOrders(t *testing.T) {
	storage := setupPostgres(t)
	ctx := context.Background()
	saveTestUser(t, storage, "100")
	saveTestUser(t, storage, "200")

	a := testOrder("ord-a", "100")
	b := testOrder("ord-b", "200")
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	c := testOrder("ord-c", "100")
	c.State = order.StateExecuted
	c.CreatedAt = a.CreatedAt.Add(2 * time.Second)
	for _, o := range []order.Order{a, b, c} {
		require.NoError(t, storage.SaveOrder(ctx, o))
	}

	open, err := storage.ListOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "ord-a", open[0].ID, "oldest first")
	assert.Equal(t, "ord-b", open[1].ID)

	byOwner, err := storage.ListOpenOrdersByOwner(ctx, "100")
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	assert.Equal(t, "ord-a", byOwner[0].ID)
}

func TestTransitionState(t *testing.T) {
	storage := setupPostgres(t)
	ctx := context.Background()
	saveTestUser(t, storage, "100")

	require.NoError(t, storage.SaveOrder(ctx, testOrder("ord-1", "100")))

	t.Run("matching from-state wins", func(t *testing.T) {
		changed, err := storage.TransitionState(ctx, "ord-1", order.StatePending, order.StateExecuting)
		require.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("stale from-state loses", func(t *testing.T) {
		changed, err := storage.TransitionState(ctx, "ord-1", order.StatePending, order.StateCancelled)
		require.NoError(t, err)
		assert.False(t, changed)

		got, err := storage.GetOrder(ctx, "ord-1")
		require.NoError(t, err)
		assert.Equal(t, order.StateExecuting, got.State)
	})

	t.Run("unknown order loses", func(t *testing.T) {
		changed, err := storage.TransitionState(ctx, "no-such", order.StatePending, order.StateCancelled)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("concurrent claims admit exactly one winner", func(t *testing.T) {
		require.NoError(t, storage.SaveOrder(ctx, testOrder("ord-race", "100")))

		const actors = 10
		var wg sync.WaitGroup
		wins := make(chan bool, actors)
		for i := 0; i < actors; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				changed, err := storage.TransitionState(ctx, "ord-race", order.StatePending, order.StateExecuting)
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
	})
}

func TestSetExecutionResult(t *testing.T) {
	storage := setupPostgres(t)
	ctx := context.Background()
	saveTestUser(t, storage, "100")
	require.NoError(t, storage.SaveOrder(ctx, testOrder("ord-1", "100")))

	require.NoError(t, storage.SetExecutionResult(ctx, "ord-1", order.StateExecuted, "TXHASH42"))

	got, err := storage.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, order.StateExecuted, got.State)
	assert.Equal(t, "TXHASH42", got.TxHash)
}

func TestUsers(t *testing.T) {
	storage := setupPostgres(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	u := User{
		ChatID:           "100",
		Username:         "alice",
		DepositSeed:      "sSeed100",
		DepositAddress:   "rAddr100",
		ReferredBy:       "200",
		ReferralEarning:  decimal.RequireFromString("1.5"),
		LimitOrderExpire: 2 * time.Hour,
		CreatedAt:        now,
	}
	require.NoError(t, storage.SaveUser(ctx, u))

	got, err := storage.GetUser(ctx, "100")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, u.Username, got.Username)
	assert.Equal(t, u.DepositSeed, got.DepositSeed)
	assert.Equal(t, u.DepositAddress, got.DepositAddress)
	assert.Equal(t, u.ReferredBy, got.ReferredBy)
	assert.True(t, got.ReferralEarning.Equal(u.ReferralEarning))
	assert.Equal(t, 2*time.Hour, got.LimitOrderExpire)

	t.Run("missing user yields nil", func(t *testing.T) {
		got, err := storage.GetUser(ctx, "999")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("upsert overwrites", func(t *testing.T) {
		u.Username = "alice2"
		require.NoError(t, storage.SaveUser(ctx, u))
		got, err := storage.GetUser(ctx, "100")
		require.NoError(t, err)
		assert.Equal(t, "alice2", got.Username)
	})
}

func TestAddReferralEarning(t *testing.T) {
	storage := setupPostgres(t)
	ctx := context.Background()
	saveTestUser(t, storage, "100")

	require.NoError(t, storage.AddReferralEarning(ctx, "100", decimal.RequireFromString("0.25")))
	require.NoError(t, storage.AddReferralEarning(ctx, "100", decimal.RequireFromString("0.75")))

	got, err := storage.GetUser(ctx, "100")
	require.NoError(t, err)
	assert.True(t, got.ReferralEarning.Equal(decimal.NewFromInt(1)),
		"earning = %s", got.ReferralEarning)

	t.Run("unknown user errors", func(t *testing.T) {
		assert.Error(t, storage.AddReferralEarning(ctx, "999", decimal.NewFromInt(1)))
	})
}

func TestEvents(t *testing.T) {
	storage := setupPostgres(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, storage.LogEvent(ctx, journal.Event{
		Time:        now,
		Type:        "order",
		Description: "order_created",
		Data:        map[string]any{"order_id": "ord-1", "side": "buy"},
	}))
	require.NoError(t, storage.LogEvent(ctx, journal.Event{
		Time:        now.Add(time.Second),
		Type:        "execution",
		Description: "order_executed",
		Data:        map[string]any{"order_id": "ord-1"},
	}))

	events, err := storage.GetEvents(ctx, "order", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "order_created", events[0].Description)
	assert.Equal(t, "ord-1", events[0].Data["order_id"])

	t.Run("type filter excludes other events", func(t *testing.T) {
		events, err := storage.GetEvents(ctx, "state", now.Add(-time.Minute), now.Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	storage := setupPostgres(t)
	ctx := context.Background()
	saveTestUser(t, storage, "100")

	tx, err := storage.GetDB().Begin()
	require.NoError(t, err)
	txCtx := WithTransaction(ctx, tx)

	require.NoError(t, storage.SaveOrder(txCtx, testOrder("ord-tx", "100")))
	require.NoError(t, tx.Rollback())

	got, err := storage.GetOrder(ctx, "ord-tx")
	require.NoError(t, err)
	assert.Nil(t, got, "rolled back order must not persist")
}
