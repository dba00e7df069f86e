package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type WebhookConfig struct {
	URL      string
	Username string
	Timeout  time.Duration
}

// WebhookSink posts Discord-style embeds.
type WebhookSink struct {
	url      string
	username string
	client   *http.Client
}

func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	u := strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return nil, fmt.Errorf("webhook url %q must be http(s)", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	name := cfg.Username
	if name == "" {
		name = "tankctl"
	}
	return &WebhookSink{url: u, username: name, client: &http.Client{Timeout: timeout}}, nil
}

func (w *WebhookSink) Name() string { return "webhook" }

type webhookBody struct {
	Username string         `json:"username,omitempty"`
	Embeds   []webhookEmbed `json:"embeds"`
}

type webhookEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Fields      []webhookField `json:"fields,omitempty"`
}

type webhookField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func severityColor(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0xE74C3C
	case SeverityWarning:
		return 0xF1C40F
	default:
		return 0x2ECC71
	}
}

func (w *WebhookSink) Send(ctx context.Context, n Notification) error {
	embed := webhookEmbed{
		Title:       n.Severity.Prefix() + n.Title,
		Description: n.Text,
		Color:       severityColor(n.Severity),
	}
	if !n.At.IsZero() {
		embed.Timestamp = n.At.UTC().Format(time.RFC3339)
	}
	if n.DeviceName != "" {
		embed.Fields = append(embed.Fields, webhookField{Name: "tank", Value: n.DeviceName, Inline: true})
	}
	for _, f := range n.Fields {
		embed.Fields = append(embed.Fields, webhookField{Name: f.Name, Value: f.Value, Inline: true})
	}
	body, err := json.Marshal(webhookBody{Username: w.username, Embeds: []webhookEmbed{embed}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
