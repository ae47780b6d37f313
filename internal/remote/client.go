package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/lazypower/clawsync/internal/logging"
	"github.com/lazypower/clawsync/internal/txn"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	maxReplyBytes      = 1 << 20
)

// BreakerSettings tunes the circuit breaker around the authority.
type BreakerSettings struct {
	ConsecutiveFailures uint32        // trip after this many transient failures in a row
	OpenTimeout         time.Duration // how long the breaker stays open before a probe
	HalfOpenRequests    uint32
}

// DefaultBreaker trips after 5 consecutive transient failures and probes
// again after 30s.
func DefaultBreaker() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second, HalfOpenRequests: 1}
}

// Client is the HTTP Sender. Every request is signed with a short-lived
// bearer token and routed through a circuit breaker; validation and
// conflict answers do not count against the breaker.
type Client struct {
	http     *http.Client
	baseURL  string
	deviceID string
	secret   []byte
	tokenTTL time.Duration
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
	now      func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	httpClient *http.Client
	timeout    time.Duration
	breaker    BreakerSettings
	logger     *zap.Logger
	now        func() time.Time
	tokenTTL   time.Duration
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) { c.httpClient = hc }
}

// WithTimeout sets the transport-level timeout. Callers usually bound each
// Send with a context deadline as well.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithBreaker overrides the circuit breaker settings.
func WithBreaker(s BreakerSettings) ClientOption {
	return func(c *clientConfig) { c.breaker = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// WithClock overrides the token and fallback timestamp clock.
func WithClock(now func() time.Time) ClientOption {
	return func(c *clientConfig) { c.now = now }
}

// NewClient creates a client for the authority at baseURL.
func NewClient(baseURL, deviceID string, secret []byte, opts ...ClientOption) *Client {
	cfg := clientConfig{
		timeout:  defaultHTTPTimeout,
		breaker:  DefaultBreaker(),
		now:      time.Now,
		tokenTTL: DefaultTokenTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Timeout: cfg.timeout}
	}
	logger := logging.OrNop(cfg.logger)

	c := &Client{
		http:     cfg.httpClient,
		baseURL:  strings.TrimRight(baseURL, "/"),
		deviceID: deviceID,
		secret:   secret,
		tokenTTL: cfg.tokenTTL,
		logger:   logger,
		now:      cfg.now,
	}
	bs := cfg.breaker
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "authority",
		MaxRequests: bs.HalfOpenRequests,
		Timeout:     bs.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("remote: circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !txn.IsTransient(err)
		},
	})
	return c
}

// Send posts req to the authority and classifies the answer.
func (c *Client) Send(ctx context.Context, req Request) (Result, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.send(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{}, &txn.NetworkError{Err: fmt.Errorf("authority unavailable: %w", err)}
	}
	if err != nil {
		return Result{}, err
	}
	return out.(Result), nil
}

// BreakerState reports the circuit breaker state (closed, half-open, open).
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func (c *Client) send(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, &txn.ValidationError{Msg: "encode request", Err: err}
	}

	path := Path(req.Type)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Result{}, &txn.ValidationError{Msg: "build request", Err: err}
	}
	token, err := SignToken(c.secret, c.deviceID, c.now(), c.tokenTTL)
	if err != nil {
		return Result{}, &txn.ValidationError{Msg: "authorize request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(IdempotencyHeader, req.ID)
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, classifyTransport(ctx, fmt.Errorf("POST %s: %w", path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Result{}, classifyTransport(ctx, fmt.Errorf("read response %s: %w", path, err))
	}

	var reply Reply
	decodeErr := json.Unmarshal(data, &reply)

	c.logger.Debug("remote: reply",
		zap.String("tx", req.ID), zap.String("type", string(req.Type)), zap.Int("status", resp.StatusCode))

	if err := classifyStatus(resp.StatusCode, reply); err != nil {
		return Result{}, err
	}
	if decodeErr != nil || reply.ServerID == "" {
		return Result{}, &txn.NetworkError{StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed confirmation for %s", req.ID)}
	}

	ts := reply.ServerTimestamp
	if ts.IsZero() {
		ts = c.now()
	}
	return Result{ServerID: reply.ServerID, ServerTimestamp: ts.UTC()}, nil
}

// classifyStatus maps a non-2xx response to the txn error taxonomy.
func classifyStatus(code int, reply Reply) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := reply.Error
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch {
	case code == http.StatusConflict:
		return &txn.ConflictError{Msg: msg, Entity: reply.Entity}
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests,
		code == http.StatusUnauthorized, code >= 500:
		return &txn.NetworkError{StatusCode: code, Err: errors.New(msg)}
	case code >= 400:
		return &txn.ValidationError{Msg: fmt.Sprintf("status %d: %s", code, msg)}
	default:
		return &txn.NetworkError{StatusCode: code, Err: fmt.Errorf("unexpected status: %s", msg)}
	}
}

func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &txn.TimeoutError{Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &txn.TimeoutError{Err: err}
	}
	return &txn.NetworkError{Err: err}
}

// Healthy reports whether the authority answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+HealthPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
