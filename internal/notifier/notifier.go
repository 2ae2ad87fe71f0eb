// Package notifier
package notifier

// Notifier interface for sending per-user notifications (e.g., Telegram).
// Delivery is fire-and-forget: callers log failures and never propagate them.
type Notifier interface {
	Notify(chatID, text string) error
}
