package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	HeaderSignature = "X-Printforge-Signature"
	HeaderTimestamp = "X-Printforge-Timestamp"
	HeaderEvent     = "X-Printforge-Event"
)

// Events emitted for a session.
const (
	EventCompositeCompleted   = "composite.completed"
	EventCompositeFailed      = "composite.failed"
	EventEnhancementSucceeded = "enhancement.succeeded"
	EventEnhancementFailed    = "enhancement.failed"
)

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	http          *resty.Client
	signingSecret string
	maxAttempts   int
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 1 * time.Second
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(maxAttempts - 1).
		SetRetryWaitTime(initialBackoff).
		SetRetryMaxWaitTime(maxBackoff).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp == nil || !isSuccess(resp.StatusCode())
		})

	return &Client{
		http:          client,
		signingSecret: cfg.SigningSecret,
		maxAttempts:   maxAttempts,
	}
}

// Send posts payload as JSON, signed with HMAC-SHA256 over
// "<timestamp>.<body>". Non-2xx responses are retried with exponential
// backoff up to MaxAttempts.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(HeaderTimestamp, timestamp).
		SetHeader(HeaderSignature, Sign(c.signingSecret, timestamp, body)).
		SetHeader(HeaderEvent, event).
		SetBody(body).
		Post(endpoint)
	if err != nil {
		return fmt.Errorf("webhook delivery failed after %d attempts: %w", c.maxAttempts, err)
	}
	if !isSuccess(resp.StatusCode()) {
		return fmt.Errorf("webhook delivery failed after %d attempts: webhook returned status=%d", c.maxAttempts, resp.StatusCode())
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}

func isSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}
