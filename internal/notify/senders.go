// Package notify persists operator notifications and fans alerts out to the
// configured channels. Dispatch failures are logged and never affect the
// operation that raised the alert.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
)

// Message is one outbound alert.
type Message struct {
	Title string
	Body  string
	Level string // info, success, warning, error
}

// Sender delivers a message over one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// EmailSender delivers over SMTP with optional PLAIN auth.
type EmailSender struct {
	Host       string
	Port       string
	User       string
	Password   string
	From       string
	Recipients []string
}

func (s *EmailSender) Name() string { return "email" }

func (s *EmailSender) Send(_ context.Context, msg Message) error {
	if s.Host == "" || len(s.Recipients) == 0 {
		return fmt.Errorf("email channel not configured")
	}
	addr := s.Host + ":" + s.Port

	lines := []string{
		"From: " + sanitizeHeader(s.From),
		"To: " + sanitizeHeader(strings.Join(s.Recipients, ", ")),
		"Subject: " + sanitizeHeader(msg.Title),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		msg.Body,
	}
	body := []byte(strings.Join(lines, "\r\n"))

	var auth smtp.Auth
	if s.User != "" && s.Password != "" {
		auth = smtp.PlainAuth("", s.User, s.Password, s.Host)
	}
	if err := smtp.SendMail(addr, auth, s.From, s.Recipients, body); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

// DiscordSender posts to a webhook URL.
type DiscordSender struct {
	WebhookURL string
	Client     *http.Client
}

func (s *DiscordSender) Name() string { return "discord" }

func (s *DiscordSender) Send(ctx context.Context, msg Message) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("discord channel not configured")
	}
	content := msg.Body
	if msg.Title != "" {
		content = "**" + msg.Title + "**\n" + content
	}
	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}
	return postJSON(ctx, s.client(), s.WebhookURL, payload, "discord")
}

func (s *DiscordSender) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// TelegramSender posts through the bot API.
type TelegramSender struct {
	BotToken string
	ChatID   string
	Client   *http.Client
	// BaseURL overrides the API host in tests.
	BaseURL string
}

func (s *TelegramSender) Name() string { return "telegram" }

func (s *TelegramSender) Send(ctx context.Context, msg Message) error {
	if s.BotToken == "" || s.ChatID == "" {
		return fmt.Errorf("telegram channel not configured")
	}
	base := s.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	text := msg.Body
	if msg.Title != "" {
		text = msg.Title + "\n\n" + text
	}
	payload, err := json.Marshal(map[string]string{
		"chat_id": s.ChatID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	endpoint := base + "/bot" + url.PathEscape(s.BotToken) + "/sendMessage"
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	return postJSON(ctx, client, endpoint, payload, "telegram")
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, payload []byte, channel string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s post: %w", channel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s webhook returned %d", channel, resp.StatusCode)
	}
	return nil
}
