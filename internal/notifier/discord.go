// Package notifier forwards job outcomes to an operator channel.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Embed colours.
const (
	colorSuccess = 0x2ecc71
	colorFailure = 0xe74c3c
)

// Field is one name/value line of a Message.
type Field struct {
	Name  string
	Value string
}

// Message is an operator notification about a finished or failed job.
type Message struct {
	Title   string
	Summary string
	Fields  []Field
	Failed  bool
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// DiscordNotifier posts messages to a Discord webhook as a single embed.
type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func (d *DiscordNotifier) Notify(ctx context.Context, msg Message) error {
	if d.WebhookURL == "" {
		return errors.New("webhook URL is not set")
	}

	e := embed{
		Title:       msg.Title,
		Description: msg.Summary,
		Color:       colorSuccess,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	if msg.Failed {
		e.Color = colorFailure
	}

	for _, f := range msg.Fields {
		e.Fields = append(e.Fields, embedField{Name: f.Name, Value: f.Value, Inline: true})
	}

	body, err := json.Marshal(webhookPayload{Embeds: []embed{e}})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Noop discards notifications; used when no webhook is configured.
type Noop struct{}

func (Noop) Notify(context.Context, Message) error { return nil }
