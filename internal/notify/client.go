// Package notify posts match notifications to an optional webhook.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/cheese-lan/internal/results"
	"github.com/park285/cheese-lan/internal/session"
)

// HeaderProvider allows injecting per-request headers
type HeaderProvider func() map[string]string

type Client struct {
	url     string
	http    *fasthttp.Client
	headers HeaderProvider
	log     *zap.Logger

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithDial replaces the TCP dialer, e.g. with an in-memory listener.
func WithDial(dial func(addr string) (net.Conn, error)) Option {
	return func(c *Client) { c.http.Dial = dial }
}

func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:            strings.TrimSpace(url),
		http:           &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxConnsPerHost: 4},
		log:            zap.NewNop(),
		defaultTimeout: 5 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MatchFinished is the webhook body sent when a match ends.
type MatchFinished struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	Role       string    `json:"role"`
	Rules      string    `json:"rules"`
	White      string    `json:"white"`
	Black      string    `json:"black"`
	Result     string    `json:"result"`
	Reason     string    `json:"reason"`
	Plies      int       `json:"plies"`
	Transcript string    `json:"transcript"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// StatusChanged is the webhook body for connection-level session events.
type StatusChanged struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NotifyFinished posts the summary of a finished match.
func (c *Client) NotifyFinished(ctx context.Context, s session.Summary) error {
	white, black := results.Names(s)
	body := MatchFinished{
		Type:       "match_finished",
		SessionID:  s.SessionID,
		Role:       string(s.Role),
		Rules:      s.Rules,
		White:      white,
		Black:      black,
		Result:     results.ResultToken(s.Outcome.Winner),
		Reason:     s.Outcome.Reason,
		Plies:      len(s.Moves),
		Transcript: results.Transcript(s),
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
	}
	return c.post(ctx, body)
}

// NotifyStatus posts status events; other event kinds are ignored.
func (c *Client) NotifyStatus(ctx context.Context, ev session.Event) error {
	if ev.Kind != session.EventStatus {
		return nil
	}
	return c.post(ctx, StatusChanged{Type: "status", SessionID: ev.SessionID, Status: string(ev.Status), Code: ev.Code, Error: ev.Error})
}

func (c *Client) post(ctx context.Context, in any) error {
	if c == nil || c.url == "" {
		return nil
	}
	err := c.doJSON(ctx, fasthttp.MethodPost, in)
	if err != nil {
		c.log.Warn("notify_failed", zap.String("url", c.url), zap.Error(err))
	}
	return err
}

func (c *Client) doJSON(ctx context.Context, method string, in any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.url)
	req.Header.SetContentType("application/json")

	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req.SetBody(payload)

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			if attempt == attempts {
				return fmt.Errorf("request failed: %w", err)
			}
			lastErr = err
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			err := fmt.Errorf("webhook error: status=%d body=%s", status, truncate(string(resp.Body()), 512))
			if attempt == attempts || !shouldRetryStatus(status) {
				return err
			}
			lastErr = err
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func (c *Client) sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 50 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
