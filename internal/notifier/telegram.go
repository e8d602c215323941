package notifier

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amirphl/simple-backtester/internal/utils"
)

const telegramAPI = "https://api.telegram.org"

type TelegramNotifier struct {
	Token   string
	ChatID  string
	BaseURL string

	Attempts int
	Delay    time.Duration

	client *http.Client
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		Token:    token,
		ChatID:   chatID,
		BaseURL:  telegramAPI,
		Attempts: 3,
		Delay:    2 * time.Second,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Send(message string) error {
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.BaseURL, "/"), t.Token)
	resp, err := t.client.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

// SendWithRetry retries Send with a doubling delay.
func (t *TelegramNotifier) SendWithRetry(message string) error {
	attempts := max(t.Attempts, 1)
	delay := t.Delay
	var err error
	for i := 1; i <= attempts; i++ {
		if err = t.Send(message); err == nil {
			return nil
		}
		utils.GetLogger().Printf("Notifier | telegram attempt %d/%d failed: %v", i, attempts, err)
		if i < attempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", attempts, err)
}
