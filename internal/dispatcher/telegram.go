// internal/dispatcher/telegram.go
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"trafficwatch/internal/model"

	json "github.com/goccy/go-json"
)

// TelegramMaxRunes is the Bot API limit for a single text message.
const TelegramMaxRunes = 4096

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramSink
// ------------------------------------------------------------
// Delivers messages through the Bot API sendMessage method.
//
// Any non-ok answer (429 rate limit, 5xx, bad chat id) comes back as an
// *APIError; the dispatcher decides whether to retry. The bot token is
// part of the request URL and is stripped from every returned error.
type TelegramSink struct {
	token   string
	baseURL string
	client  *http.Client
}

// TelegramOption customizes a TelegramSink.
type TelegramOption func(*TelegramSink)

// WithTelegramAPI points the sink at another base URL (tests, local Bot API server).
func WithTelegramAPI(base string) TelegramOption {
	return func(s *TelegramSink) { s.baseURL = base }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) TelegramOption {
	return func(s *TelegramSink) { s.client = c }
}

// NewTelegramSink builds a sink for the given bot token.
func NewTelegramSink(token string, opts ...TelegramOption) *TelegramSink {
	s := &TelegramSink{
		token:   token,
		baseURL: DefaultTelegramAPI,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// APIError is a non-ok Bot API answer.
type APIError struct {
	Status      int
	Code        int
	Description string
	RetryAfter  int // seconds, only set on 429
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram: %d %s (retry after %ds)", e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram: %d %s", e.Code, e.Description)
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send posts msg.Text to msg.Destination.
func (s *TelegramSink) Send(ctx context.Context, msg model.Message) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID: msg.Destination,
		Text:   Truncate(msg.Text, TelegramMaxRunes),
	})
	if err != nil {
		return fmt.Errorf("telegram: encode: %w", err)
	}

	endpoint := s.baseURL + "/bot" + s.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", redact(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: request: %w", redact(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return &APIError{Status: resp.StatusCode, Code: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK || !ar.OK {
		e := &APIError{Status: resp.StatusCode, Code: ar.ErrorCode, Description: ar.Description}
		if e.Code == 0 {
			e.Code = resp.StatusCode
		}
		if ar.Parameters != nil {
			e.RetryAfter = ar.Parameters.RetryAfter
		}
		return e
	}
	return nil
}

// Truncate cuts s to at most max runes, marking the cut with "…".
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max-1 {
			return s[:i] + "…"
		}
		n++
	}
	return s
}

// redact drops the *url.Error wrapper, which would print the URL and
// with it the bot token.
func redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
