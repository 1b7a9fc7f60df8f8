package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/peterwi/project-f/internal/config"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/infrastructure/httpclient"
	"github.com/peterwi/project-f/internal/infrastructure/providers"
)

// Sink delivers an alert to one secondary channel
type Sink interface {
	Name() string
	Send(ctx context.Context, alert domain.Alert, action string) error
}

// WebhookSink POSTs the alert JSON to a URL
type WebhookSink struct {
	url        string
	httpClient *httpclient.Client
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{url: url, httpClient: httpclient.New(httpclient.DefaultConfig(timeout), nil)}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Send(ctx context.Context, alert domain.Alert, action string) error {
	body, err := json.Marshal(map[string]interface{}{
		"alert":                alert,
		"next_operator_action": action,
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// TelegramSink sends the alert summary through the Telegram Bot API
type TelegramSink struct {
	botToken   string
	chatID     string
	httpClient *httpclient.Client
	baseURL    string
}

// NewTelegramSink creates a Telegram sink
func NewTelegramSink(botToken, chatID string, timeout time.Duration) *TelegramSink {
	return &TelegramSink{
		botToken:   botToken,
		chatID:     chatID,
		httpClient: httpclient.New(httpclient.DefaultConfig(timeout), nil),
		baseURL:    "https://api.telegram.org",
	}
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Send(ctx context.Context, alert domain.Alert, action string) error {
	text := fmt.Sprintf("<b>%s</b> [%s]\n%s\nAlert: <code>%s</code>\nNext: %s",
		html.EscapeString(string(alert.AlertType)),
		alert.Severity,
		html.EscapeString(alert.Summary),
		html.EscapeString(alert.AlertID),
		html.EscapeString(action),
	)

	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	params := url.Values{}
	params.Set("chat_id", t.chatID)
	params.Set("text", text)
	params.Set("parse_mode", "HTML")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := t.httpClient.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var result struct {
			Description string `json:"description"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("telegram API error: status %d", resp.StatusCode)
		}
		return fmt.Errorf("telegram API error: %s", result.Description)
	}
	return nil
}

// guardedSink runs a sink behind a rate limiter and circuit breaker
type guardedSink struct {
	sink     Sink
	breakers *providers.CircuitBreakerManager
	limiter  *providers.RateLimiter
}

// Guard wraps sink with a per-sink breaker and a limiter of perMinute sends
func Guard(sink Sink, perMinute int) Sink {
	breakers := providers.NewCircuitBreakerManager()
	cfg, ok := providers.GetDefaultConfigs()[sink.Name()]
	if !ok {
		cfg = providers.GetDefaultConfigs()["webhook"]
	}
	breakers.InitializeProvider(sink.Name(), cfg)

	limiter := providers.NewRateLimiter()
	limiter.InitializeProvider(sink.Name(), perMinute)

	return &guardedSink{sink: sink, breakers: breakers, limiter: limiter}
}

func (g *guardedSink) Name() string { return g.sink.Name() }

func (g *guardedSink) Send(ctx context.Context, alert domain.Alert, action string) error {
	if err := g.limiter.Allow(ctx, g.sink.Name()); err != nil {
		return err
	}
	_, err := g.breakers.Execute(g.sink.Name(), func() (interface{}, error) {
		return nil, g.sink.Send(ctx, alert, action)
	})
	return err
}

// SinksFromConfig builds the configured secondary sinks. The result is empty
// when the secondary sink is none.
func SinksFromConfig(cfg config.AlertsConfig) ([]Sink, error) {
	switch cfg.SecondarySink {
	case "", "none":
		return nil, nil
	case "webhook":
		return []Sink{Guard(NewWebhookSink(cfg.WebhookURL, cfg.Timeout), cfg.RatePerMinute)}, nil
	case "telegram":
		return []Sink{Guard(NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID, cfg.Timeout), cfg.RatePerMinute)}, nil
	default:
		return nil, fmt.Errorf("unknown secondary sink %q", cfg.SecondarySink)
	}
}
