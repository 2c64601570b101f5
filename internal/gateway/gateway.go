// Package gateway is the client for the external sending service. It posts one
// message per call and turns every non-success answer into a *SendError.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nadmax/relayq/internal/task"
	"github.com/sendgrid/rest"
	"golang.org/x/time/rate"
)

const (
	SecretHeader   = "X-Internal-Secret"
	sendPath       = "/send_message"
	DefaultTimeout = 2 * time.Minute
)

type Config struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
	// RatePerSec throttles outgoing calls from this process. Zero disables it.
	RatePerSec float64
}

type Request struct {
	AccountCredential string           `json:"account_credential"`
	DestinationID     string           `json:"destination_id"`
	MessageKind       task.MessageKind `json:"message_kind"`
	ContentRef        string           `json:"content_ref,omitempty"`
	Caption           string           `json:"caption"`
}

type Response struct {
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Data    struct {
		MessageID       any    `json:"message_id,omitempty"`
		ChatID          any    `json:"chat_id,omitempty"`
		Date            string `json:"date,omitempty"`
		ParentMessageID any    `json:"parent_message_id,omitempty"`
	} `json:"data"`
}

// SendError is a delivery the sending service did not accept.
type SendError struct {
	StatusCode int
	Message    string
}

func (e *SendError) Error() string {
	if e.StatusCode == 0 {
		return "send failed: " + e.Message
	}

	return fmt.Sprintf("send failed (status %d): %s", e.StatusCode, e.Message)
}

type Client struct {
	cfg     Config
	rest    *rest.Client
	limiter *rate.Limiter
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}

	return &Client{
		cfg:     cfg,
		rest:    &rest.Client{HTTPClient: &http.Client{Timeout: cfg.Timeout}},
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("send throttled: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode send request: %w", err)
	}

	res, err := c.rest.SendWithContext(ctx, rest.Request{
		Method:  rest.Post,
		BaseURL: c.cfg.BaseURL + sendPath,
		Headers: map[string]string{
			"Content-Type": "application/json",
			SecretHeader:   c.cfg.Secret,
		},
		Body: body,
	})
	if err != nil {
		return nil, &SendError{Message: err.Error()}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &SendError{StatusCode: res.StatusCode, Message: errorMessage(res.Body)}
	}

	var out Response
	if err := json.Unmarshal([]byte(res.Body), &out); err != nil {
		return nil, &SendError{StatusCode: res.StatusCode, Message: "malformed response: " + err.Error()}
	}
	if !out.Success {
		msg := out.Reason
		if msg == "" {
			msg = errorMessage(res.Body)
		}
		return nil, &SendError{StatusCode: res.StatusCode, Message: msg}
	}

	return &out, nil
}

// errorMessage extracts the human readable part of an error body. The sending service
// answers {"detail": ...}; other proxies use "error" or "message".
func errorMessage(body string) string {
	var payload struct {
		Detail  any    `json:"detail"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil {
		switch {
		case payload.Detail != nil:
			if s, ok := payload.Detail.(string); ok {
				return s
			}
			b, _ := json.Marshal(payload.Detail)
			return string(b)
		case payload.Error != "":
			return payload.Error
		case payload.Message != "":
			return payload.Message
		}
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return "empty response"
	}

	return body
}

// IsSendError reports whether err came back from the sending service rather than from
// the local side of the call.
func IsSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se)
}
