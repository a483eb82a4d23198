package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gopkg.in/mail.v2"

	"github.com/kalambet/pricewatch/internal/storage"
)

// ErrMissingSetting is returned when a channel config lacks a required key.
var ErrMissingSetting = errors.New("missing channel setting")

func setting(cfg storage.ChannelConfig, key string) (string, error) {
	v := strings.TrimSpace(cfg.Settings[key])
	if v == "" {
		return "", fmt.Errorf("%w: %s.%s", ErrMissingSetting, cfg.Type, key)
	}
	return v, nil
}

// Subject returns a one-line summary of a.
func Subject(a Alert) string {
	return fmt.Sprintf("Price drop: %s", a.Title)
}

// Body returns the plain-text message for a.
func Body(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s dropped %.1f%% to %.2f %s (was %.2f, target %.2f).",
		a.Title, a.DropPercent, a.NewPrice, a.Currency, a.OldPrice, a.TargetPrice)
	if a.URL != "" {
		b.WriteString("\n")
		b.WriteString(a.URL)
	}
	return b.String()
}

// --- email ---

// SMTPConfig holds outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailChannel sends alerts over SMTP. Settings: "to".
type EmailChannel struct {
	cfg  SMTPConfig
	send func(m *mail.Message) error
}

func NewEmailChannel(cfg SMTPConfig) *EmailChannel {
	c := &EmailChannel{cfg: cfg}
	c.send = func(m *mail.Message) error {
		d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
		d.Timeout = 15 * time.Second
		return d.DialAndSend(m)
	}
	return c
}

func (c *EmailChannel) Deliver(ctx context.Context, a Alert, cfg storage.ChannelConfig) error {
	to, err := setting(cfg, "to")
	if err != nil {
		return err
	}
	if c.cfg.Host == "" {
		return errors.New("smtp host not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := mail.NewMessage()
	m.SetHeader("From", c.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", Subject(a))
	m.SetBody("text/plain", Body(a))

	if err := c.send(m); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	return nil
}

// --- telegram ---

const telegramAPI = "https://api.telegram.org"

// TelegramChannel posts alerts through the Bot API. Settings: "chat_id".
type TelegramChannel struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

func NewTelegramChannel(token string, httpClient *http.Client) *TelegramChannel {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &TelegramChannel{token: token, baseURL: telegramAPI, httpClient: httpClient}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func (c *TelegramChannel) Deliver(ctx context.Context, a Alert, cfg storage.ChannelConfig) error {
	chatID, err := setting(cfg, "chat_id")
	if err != nil {
		return err
	}
	if c.token == "" {
		return errors.New("telegram bot token not configured")
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: Subject(a) + "\n" + Body(a)})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	return postJSON(ctx, c.httpClient, url, body, "telegram")
}

// --- webhook ---

// WebhookChannel POSTs the alert as JSON. Settings: "url".
type WebhookChannel struct {
	httpClient *http.Client
}

func NewWebhookChannel(httpClient *http.Client) *WebhookChannel {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookChannel{httpClient: httpClient}
}

func (c *WebhookChannel) Deliver(ctx context.Context, a Alert, cfg storage.ChannelConfig) error {
	url, err := setting(cfg, "url")
	if err != nil {
		return err
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return postJSON(ctx, c.httpClient, url, body, "webhook")
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s request: %w", name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s API error: %s", name, resp.Status)
	}
	return nil
}

// --- placeholders ---

// LogChannel records delivery intent without sending anything. It stands in
// for push and SMS, which have no provider wired.
type LogChannel struct {
	name   string
	logger *slog.Logger
}

func NewLogChannel(name string) *LogChannel {
	return &LogChannel{name: name, logger: slog.Default()}
}

func (c *LogChannel) Deliver(ctx context.Context, a Alert, cfg storage.ChannelConfig) error {
	c.logger.Info("notification not sent: channel has no provider",
		"channel", c.name, "owner_id", a.OwnerID, "item_id", a.ItemID, "drop_pct", a.DropPercent)
	return nil
}
