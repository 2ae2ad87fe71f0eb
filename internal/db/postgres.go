package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"xrptrader/internal/db/conf"
	"xrptrader/internal/journal"
	"xrptrader/internal/order"

	_ "github.com/lib/pq"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	// Check if transaction exists in context
	if tx := GetTransaction(ctx); tx != nil {
		// Use existing transaction
		return fn(tx)
	}

	// Create new transaction
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Execute the function
	if fnErr := fn(tx); fnErr != nil {
		// Rollback on error
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	// Commit on success
	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

const orderColumns = `id, owner_id, pair_address, side, trigger_mode, target_price, amount, expire_at, state, tx_hash, created_at, updated_at`

func scanOrder(rows *sql.Rows) (order.Order, error) {
	var o order.Order
	var expireAt sql.NullTime
	if err := rows.Scan(&o.ID, &o.OwnerID, &o.PairAddress, &o.Side, &o.TriggerMode,
		&o.TargetPrice, &o.Amount, &expireAt, &o.State, &o.TxHash, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return order.Order{}, fmt.Errorf("failed to scan order: %w", err)
	}
	if expireAt.Valid {
		t := expireAt.Time.UTC()
		o.ExpireAt = &t
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

// SaveOrder inserts an order, or updates its mutable fields on conflict.
func (p *Default) SaveOrder(ctx context.Context, o order.Order) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("invalid order %s: %w", o.ID, err)
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		var expireAt any
		if o.ExpireAt != nil {
			expireAt = *o.ExpireAt
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, owner_id, pair_address, side, trigger_mode, target_price, amount, expire_at, state, tx_hash, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (id) DO UPDATE SET
				state=EXCLUDED.state, tx_hash=EXCLUDED.tx_hash, updated_at=EXCLUDED.updated_at`,
			o.ID, o.OwnerID, o.PairAddress, o.Side, o.TriggerMode, o.TargetPrice, o.Amount,
			expireAt, o.State, o.TxHash, o.CreatedAt, o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save order %s: %w", o.ID, err)
		}
		return nil
	})
}

func (p *Default) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	if rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		return &o, nil
	}

	return nil, nil
}

func (p *Default) ListOpenOrders(ctx context.Context) ([]order.Order, error) {
	return p.listOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE state=$1 ORDER BY created_at ASC`, order.StatePending)
}

func (p *Default) ListOpenOrdersByOwner(ctx context.Context, ownerID string) ([]order.Order, error) {
	return p.listOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE state=$1 AND owner_id=$2 ORDER BY created_at ASC`, order.StatePending, ownerID)
}

func (p *Default) listOrders(ctx context.Context, query string, args ...any) ([]order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var orders []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// TransitionState performs the atomic conditional state update. The
// RowsAffected check is the sole concurrency control point of the engine:
// of two concurrent actors racing for the same order, at most one sees true.
func (p *Default) TransitionState(ctx context.Context, id string, from, to order.State) (bool, error) {
	var changed bool
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE orders SET state=$1, updated_at=$2 WHERE id=$3 AND state=$4`,
			to, time.Now().UTC(), id, from)
		if err != nil {
			return fmt.Errorf("failed to transition order %s %s->%s: %w", id, from, to, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

func (p *Default) SetExecutionResult(ctx context.Context, id string, st order.State, txHash string) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE orders SET state=$1, tx_hash=$2, updated_at=$3 WHERE id=$4`,
			st, txHash, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to set execution result for order %s: %w", id, err)
		}
		return nil
	})
}

func (p *Default) GetUser(ctx context.Context, chatID string) (*User, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT chat_id, username, deposit_seed, deposit_address, referred_by, referral_earning, limit_order_expire_secs, created_at
		FROM users WHERE chat_id=$1`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	if rows.Next() {
		var u User
		var expireSecs int64
		if err := rows.Scan(&u.ChatID, &u.Username, &u.DepositSeed, &u.DepositAddress,
			&u.ReferredBy, &u.ReferralEarning, &expireSecs, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.LimitOrderExpire = time.Duration(expireSecs) * time.Second
		u.CreatedAt = u.CreatedAt.UTC()
		return &u, nil
	}

	return nil, nil
}

func (p *Default) SaveUser(ctx context.Context, u User) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (chat_id, username, deposit_seed, deposit_address, referred_by, referral_earning, limit_order_expire_secs, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (chat_id) DO UPDATE SET
				username=EXCLUDED.username, deposit_seed=EXCLUDED.deposit_seed,
				deposit_address=EXCLUDED.deposit_address, referred_by=EXCLUDED.referred_by,
				referral_earning=EXCLUDED.referral_earning,
				limit_order_expire_secs=EXCLUDED.limit_order_expire_secs`,
			u.ChatID, u.Username, u.DepositSeed, u.DepositAddress, u.ReferredBy,
			u.ReferralEarning, int64(u.LimitOrderExpire/time.Second), u.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save user %s: %w", u.ChatID, err)
		}
		return nil
	})
}

// AddReferralEarning increments the cumulative earning counter in a single
// UPDATE, so concurrent payouts never lose increments.
func (p *Default) AddReferralEarning(ctx context.Context, chatID string, amount decimal.Decimal) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE users SET referral_earning = referral_earning + $1 WHERE chat_id=$2`,
			amount, chatID)
		if err != nil {
			return fmt.Errorf("failed to add referral earning for %s: %w", chatID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("no user %s to credit referral earning", chatID)
		}
		return nil
	})
}

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, _ := json.Marshal(event.Data)
		_, err := tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time, event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT time, type, description, data FROM events WHERE type=$1 AND time >= $2 AND time <= $3 ORDER BY time ASC`, eventType, start, end)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
