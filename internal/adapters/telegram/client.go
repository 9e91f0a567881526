// Package telegram implements the dispatch gateway over the Telegram Bot
// API. Recipients are chat or user IDs; templates are rendered into
// MarkdownV2 messages before transmit.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"gatherbot/internal/domain"
)

const defaultAPIBase = "https://api.telegram.org"

type client struct {
	httpClient *http.Client
	token      string
	apiBase    string
}

// NewClient returns a DispatchGateway backed by the Bot API. A nil httpClient
// falls back to http.DefaultClient; apiBase overrides the API host for tests.
func NewClient(httpClient *http.Client, token, apiBase string) domain.DispatchGateway {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &client{httpClient: httpClient, token: token, apiBase: apiBase}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

func (c *client) Send(ctx context.Context, recipient, template string, vars map[string]string) error {
	text, err := renderMessage(template, vars)
	if err != nil {
		return err
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:    recipient,
		Text:      text,
		ParseMode: "MarkdownV2",
	})
	if err != nil {
		return fmt.Errorf("%w: marshal sendMessage: %v", domain.ErrDispatchPermanent, err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.apiBase, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", domain.ErrDispatchPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures and context deadlines are retriable.
		return fmt.Errorf("%w: %v", domain.ErrDispatchTransient, err)
	}
	defer resp.Body.Close()

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrDispatchTransient, err)
	}
	if parsed.OK {
		return nil
	}
	// 429 and server-side errors are worth retrying; other API rejections
	// (bad chat, blocked bot, malformed markup) will not heal on their own.
	if parsed.ErrorCode == http.StatusTooManyRequests || parsed.ErrorCode >= 500 {
		return fmt.Errorf("%w: telegram api %d: %s", domain.ErrDispatchTransient, parsed.ErrorCode, parsed.Description)
	}
	return fmt.Errorf("%w: telegram api %d: %s", domain.ErrDispatchPermanent, parsed.ErrorCode, parsed.Description)
}

// renderMessage maps a template name and its variables to message text.
func renderMessage(template string, vars map[string]string) (string, error) {
	switch template {
	case "event_reminder":
		var b strings.Builder
		fmt.Fprintf(&b, "*__%s__*\n", escapeMarkdown(vars["title"]))
		if vars["description"] != "" {
			fmt.Fprintf(&b, "%s\n", escapeMarkdown(vars["description"]))
		}
		fmt.Fprintf(&b, "\n⏰ %s", escapeMarkdown(vars["starts_at"]))
		return b.String(), nil
	case "rsvp_digest":
		var b strings.Builder
		fmt.Fprintf(&b, "RSVP update for *__%s__*\n\n", escapeMarkdown(vars["title"]))
		fmt.Fprintf(&b, "✅ Yes: %s\n", escapeMarkdown(vars["yes"]))
		fmt.Fprintf(&b, "❌ No: %s\n", escapeMarkdown(vars["no"]))
		fmt.Fprintf(&b, "🤔 Maybe: %s", escapeMarkdown(vars["maybe"]))
		return b.String(), nil
	default:
		return "", fmt.Errorf("%w: unknown template %q", domain.ErrDispatchPermanent, template)
	}
}

// escapeMarkdown escapes the characters Telegram's MarkdownV2 mode reserves.
func escapeMarkdown(text string) string {
	const special = "_*[]()~`>#+-=|{}.!"
	var b strings.Builder
	b.Grow(len(text))
	for _, ch := range text {
		if strings.ContainsRune(special, ch) {
			b.WriteByte('\\')
		}
		b.WriteRune(ch)
	}
	return b.String()
}
