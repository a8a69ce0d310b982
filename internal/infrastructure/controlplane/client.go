package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"panelrelay/internal/core/domain"
	"panelrelay/internal/core/ports"
	"panelrelay/pkg/circuitbreaker"
	"panelrelay/pkg/retry"
	"panelrelay/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	requestsPath = "/stream-requests"
	releasesPath = "/stream-releases"

	// APIKeyHeader carries the shared control-plane credential.
	APIKeyHeader = "X-API-Key"
)

type Config struct {
	WebhookURL string
	APIKey     string
	Timeout    time.Duration
	Retry      retry.Config
	Breaker    circuitbreaker.Config
}

// Client posts stream requests and releases to the control-plane webhook.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

var _ ports.ControlPlane = (*Client)(nil)

type releaseBody struct {
	StreamID domain.StreamID `json:"streamId"`
	PlayerID domain.PlayerID `json:"playerId,omitempty"`
}

// StatusError is returned for non-2xx webhook responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.StatusCode, e.Body)
}

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.WebhookURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		retry:   cfg.Retry,
		logger:  logger,
	}
	c.breaker = circuitbreaker.New(cfg.Breaker, circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("control plane breaker state changed", "from", from.String(), "to", to.String())
	}))
	return c
}

func (c *Client) RequestStream(ctx context.Context, req ports.StreamRequest) error {
	ctx, span := tracing.TraceControlPlane(ctx, "request-stream", string(req.StreamID))
	defer span.End()
	span.SetAttributes(tracing.PlayerIDKey.String(string(req.PlayerID)))

	return c.post(ctx, requestsPath, req)
}

func (c *Client) ReleaseStream(ctx context.Context, streamID domain.StreamID, playerID domain.PlayerID) error {
	ctx, span := tracing.TraceControlPlane(ctx, "release-stream", string(streamID))
	defer span.End()

	return c.post(ctx, releasesPath, releaseBody{StreamID: streamID, PlayerID: playerID})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	attempt := 0
	err = retry.Do(ctx, c.retry, func(ctx context.Context) error {
		attempt++
		// a rejected request still means the control plane is up, so it
		// does not count against the breaker
		var rejected error
		err := c.breaker.Execute(func() error {
			err := c.send(ctx, path, payload)
			if isClientError(err) {
				rejected = err
				return nil
			}
			return err
		})
		if rejected != nil {
			return retry.Permanent(rejected)
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		if err != nil {
			c.logger.Debugw("control plane attempt failed", "path", path, "attempt", attempt, "error", err)
		}
		return err
	})

	tracing.AddSpanAttributes(ctx, attribute.Int("controlplane.attempts", attempt))
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("control plane %s: %w", path, err)
	}
	return nil
}

// isClientError reports a 4xx answer other than 429.
func isClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) &&
		se.StatusCode < http.StatusInternalServerError &&
		se.StatusCode != http.StatusTooManyRequests
}

func (c *Client) send(ctx context.Context, path string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
