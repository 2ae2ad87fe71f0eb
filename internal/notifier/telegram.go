package notifier

import (
	"fmt"
	"net/http"
	"net/url"
)

type TelegramNotifier struct {
	Token string
}

func NewTelegramNotifier(token string) *TelegramNotifier {
	return &TelegramNotifier{Token: token}
}

func (t *TelegramNotifier) Notify(chatID, text string) error {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)
	resp, err := http.PostForm(apiURL, url.Values{
		"chat_id": {chatID},
		"text":    {text},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

// NopNotifier discards every notification. Used in tests and when no
// telegram token is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(chatID, text string) error { return nil }
