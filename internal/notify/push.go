package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/gmsas95/medimate/internal/errors"
)

// DefaultPushURL is the Expo push relay
const DefaultPushURL = "https://exp.host/--/api/v2/push/send"

// PushMessage is the relay request body
type PushMessage struct {
	To    string            `json:"to"`
	Sound string            `json:"sound"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// PushResult is the relay's ticket for one message
type PushResult struct {
	Status  string                 `json:"status"`
	ID      string                 `json:"id,omitempty"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type pushResponse struct {
	Data   PushResult `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// PushOptions configures a PushClient
type PushOptions struct {
	URL               string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	BreakerFailures   uint32
	BreakerTimeout    time.Duration
	HTTPClient        *http.Client
}

// PushClient posts notifications to a push relay. Sends are rate limited and
// a run of relay failures opens a circuit breaker.
type PushClient struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*PushResult]
	logger  *zap.Logger
}

// rejectedError marks relay answers that say the message itself is bad.
// They do not count against the breaker.
type rejectedError struct {
	err error
}

func (e *rejectedError) Error() string { return e.err.Error() }
func (e *rejectedError) Unwrap() error { return e.err }

// NewPushClient creates a push client
func NewPushClient(opts PushOptions, logger *zap.Logger) *PushClient {
	if opts.URL == "" {
		opts.URL = DefaultPushURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker[*PushResult](gobreaker.Settings{
		Name:    "push-relay",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var rejected *rejectedError
			return err == nil || errors.As(err, &rejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Push relay breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &PushClient{
		url:     opts.URL,
		client:  client,
		limiter: rate.NewLimiter(limit, opts.Burst),
		breaker: breaker,
		logger:  logger,
	}
}

// BreakerState returns the circuit breaker state
func (c *PushClient) BreakerState() string {
	return c.breaker.State().String()
}

// SendPush delivers one notification to a device token
func (c *PushClient) SendPush(ctx context.Context, token, title, body string) (*PushResult, error) {
	return c.Send(ctx, PushMessage{To: token, Sound: "default", Title: title, Body: body})
}

// Send delivers msg through the relay
func (c *PushClient) Send(ctx context.Context, msg PushMessage) (*PushResult, error) {
	if strings.TrimSpace(msg.To) == "" {
		return nil, apperrors.ErrNoPushToken
	}
	if msg.Sound == "" {
		msg.Sound = "default"
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrPushFailed, err, "rate limit wait")
	}

	result, err := c.breaker.Execute(func() (*PushResult, error) {
		return c.post(ctx, msg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperrors.Wrapf(apperrors.ErrPushFailed, err, "push relay unavailable")
		}
		var rejected *rejectedError
		if errors.As(err, &rejected) {
			return result, rejected.err
		}
		return nil, err
	}
	return result, nil
}

func (c *PushClient) post(ctx context.Context, msg PushMessage) (*PushResult, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, &rejectedError{apperrors.Wrapf(apperrors.ErrPushFailed, err, "encode push message")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrPushFailed, err, "build push request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrPushFailed, err, "push request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrPushFailed, err, "read push response")
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperrors.Wrapf(apperrors.ErrPushFailed, nil, "push relay returned %d: %s", resp.StatusCode, truncate(raw))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &rejectedError{apperrors.Wrapf(apperrors.ErrPushFailed, nil, "push relay returned %d: %s", resp.StatusCode, truncate(raw))}
	}

	var decoded pushResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrPushFailed, err, "decode push response")
	}
	if len(decoded.Errors) > 0 {
		return nil, &rejectedError{apperrors.Wrapf(apperrors.ErrPushFailed, nil, "push relay error %s: %s", decoded.Errors[0].Code, decoded.Errors[0].Message)}
	}
	if decoded.Data.Status == "error" {
		return &decoded.Data, &rejectedError{apperrors.Wrapf(apperrors.ErrPushFailed, nil, "push rejected: %s", decoded.Data.Message)}
	}

	c.logger.Debug("Push accepted", zap.String("ticket", decoded.Data.ID))
	return &decoded.Data, nil
}

func truncate(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
