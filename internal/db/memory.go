package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"xrptrader/internal/journal"
	"xrptrader/internal/order"
)

// MemoryStorage is an in-memory Storage used by tests. It honors the same
// atomic-transition semantics as the postgres implementation.
type MemoryStorage struct {
	mu sync.RWMutex

	// Orders by id
	orders map[string]order.Order

	// Users by chat id
	users map[string]User

	// Events (append-only)
	events []journal.Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		orders: make(map[string]order.Order),
		users:  make(map[string]User),
		events: make([]journal.Event, 0, 1024),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

// -------- OrderStore --------

func (m *MemoryStorage) SaveOrder(ctx context.Context, o order.Order) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("invalid order %s: %w", o.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStorage) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	cp := o
	return &cp, nil
}

func (m *MemoryStorage) ListOpenOrders(ctx context.Context) ([]order.Order, error) {
	return m.listOpen(func(o order.Order) bool { return o.State == order.StatePending })
}

func (m *MemoryStorage) ListOpenOrdersByOwner(ctx context.Context, ownerID string) ([]order.Order, error) {
	return m.listOpen(func(o order.Order) bool {
		return o.State == order.StatePending && o.OwnerID == ownerID
	})
}

func (m *MemoryStorage) listOpen(match func(order.Order) bool) ([]order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var orders []order.Order
	for _, o := range m.orders {
		if match(o) {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

func (m *MemoryStorage) TransitionState(ctx context.Context, id string, from, to order.State) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.State != from {
		return false, nil
	}
	o.State = to
	o.UpdatedAt = time.Now().UTC()
	m.orders[id] = o
	return true, nil
}

func (m *MemoryStorage) SetExecutionResult(ctx context.Context, id string, st order.State, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("no order %s", id)
	}
	o.State = st
	o.TxHash = txHash
	o.UpdatedAt = time.Now().UTC()
	m.orders[id] = o
	return nil
}

// -------- UserStore --------

func (m *MemoryStorage) GetUser(ctx context.Context, chatID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[chatID]
	if !ok {
		return nil, nil
	}
	cp := u
	return &cp, nil
}

func (m *MemoryStorage) SaveUser(ctx context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ChatID] = u
	return nil
}

func (m *MemoryStorage) AddReferralEarning(ctx context.Context, chatID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[chatID]
	if !ok {
		return fmt.Errorf("no user %s to credit referral earning", chatID)
	}
	u.ReferralEarning = u.ReferralEarning.Add(amount)
	m.users[chatID] = u
	return nil
}

// -------- Journaler --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var events []journal.Event
	for _, e := range m.events {
		if e.Type == eventType && !e.Time.Before(start) && !e.Time.After(end) {
			events = append(events, e)
		}
	}
	return events, nil
}
