package notifier

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

const (
	sendRetries    = 3
	sendRetryDelay = 2 * time.Second
)

type TelegramNotifier struct {
	Token  string
	ChatID string
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{Token: token, ChatID: chatID}
}

func (t *TelegramNotifier) Send(message string) error {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)
	resp, err := http.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
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

func (t *TelegramNotifier) SendWithRetry(message string) error {
	var err error
	for i := 0; i < sendRetries; i++ {
		if err = t.Send(message); err == nil {
			return nil
		}
		time.Sleep(sendRetryDelay)
	}
	return err
}

// RetryWithNotification runs action up to sendRetries times and reports
// the final failure over Telegram.
func (t *TelegramNotifier) RetryWithNotification(action func() error, description string) error {
	var err error
	for i := 0; i < sendRetries; i++ {
		if err = action(); err == nil {
			return nil
		}
		time.Sleep(sendRetryDelay)
	}
	msg := fmt.Sprintf("%s failed after %d attempts: %v", description, sendRetries, err)
	if sendErr := t.SendWithRetry(msg); sendErr != nil {
		log.Printf("TelegramNotifier | %s (notification also failed: %v)", msg, sendErr)
	}
	return err
}

// Noop discards all notifications. Used when Telegram is not configured.
type Noop struct{}

func (Noop) Send(string) error          { return nil }
func (Noop) SendWithRetry(string) error { return nil }
func (Noop) RetryWithNotification(action func() error, _ string) error {
	return action()
}
