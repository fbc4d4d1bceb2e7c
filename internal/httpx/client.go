package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/metrics"
	"github.com/ggonzalez94/bridge-quotes/internal/version"
	"github.com/rs/zerolog"
)

// Client performs JSON requests against one collaborator.
type Client struct {
	name       string
	httpClient *http.Client
	retries    int
	userAgent  string
	log        zerolog.Logger
}

func New(name string, timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		name:       name,
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		userAgent:  version.UserAgent(),
		log:        zerolog.Nop(),
	}
}

// WithLogger returns a copy of c logging retries to log.
func (c *Client) WithLogger(log zerolog.Logger) *Client {
	cp := *c
	cp.log = log
	return &cp
}

func (c *Client) Name() string { return c.name }

// DoJSON sends req and decodes the JSON answer into out. Rate limiting,
// server errors and network failures are retried; a Retry-After header
// overrides the backoff.
func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	started := time.Now()
	defer func() {
		metrics.ProviderRequestDuration.WithLabelValues(c.name).Observe(time.Since(started).Seconds())
	}()

	var (
		lastErr error
		wait    time.Duration
	)
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if wait <= 0 {
				wait = backoff(attempt)
			}
			c.log.Debug().Str("provider", c.name).Int("attempt", attempt).Dur("wait", wait).Err(lastErr).Msg("retrying request")
			select {
			case <-ctx.Done():
				return nil, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
			case <-time.After(wait):
			}
		}

		resp, err := c.httpClient.Do(req.Clone(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
			}
			lastErr, wait = mapNetError(c.name, err), 0
			continue
		}
		buf, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.Header, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("read %s response", c.name), readErr)
		}

		retry, err := c.classify(resp, buf)
		if err != nil {
			if !retry {
				return resp.Header, err
			}
			lastErr, wait = err, retryAfter(resp.Header)
			continue
		}
		if out == nil {
			return resp.Header, nil
		}
		if len(bytes.TrimSpace(buf)) == 0 {
			return resp.Header, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("%s returned empty response", c.name))
		}
		if err := json.Unmarshal(buf, out); err != nil {
			return resp.Header, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("decode %s JSON", c.name), err)
		}
		return resp.Header, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, clierr.New(clierr.CodeUnavailable, "request failed")
}

const maxBodyBytes = 8 << 20

// classify maps a response status onto an error and reports whether the
// request may be retried.
func (c *Client) classify(resp *http.Response, body []byte) (bool, error) {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, clierr.New(clierr.CodeRateLimited, fmt.Sprintf("%s rate limited request", c.name))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, clierr.New(clierr.CodeAuth, fmt.Sprintf("%s authentication failed", c.name))
	case resp.StatusCode >= http.StatusInternalServerError:
		return true, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("%s unavailable (status %d)", c.name, resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg := fmt.Sprintf("%s returned unexpected status %d", c.name, resp.StatusCode)
		if detail := errorDetail(body); detail != "" {
			msg += ": " + detail
		}
		return false, clierr.New(clierr.CodeUnsupported, msg)
	}
	return false, nil
}

// errorDetail pulls a message out of a JSON error body.
func errorDetail(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}

// retryAfter reads a Retry-After header given in seconds, capped at 5s.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After")))
	if err != nil || secs <= 0 {
		return 0
	}
	if d := time.Duration(secs) * time.Second; d < 5*time.Second {
		return d
	}
	return 5 * time.Second
}

// GetJSON issues a GET for base+path with the given query.
func (c *Client) GetJSON(ctx context.Context, base, path string, query url.Values, out any) error {
	u, err := url.Parse(base)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("invalid %s endpoint", c.name), err)
	}
	u = u.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	_, err = c.DoJSON(ctx, req, out)
	return err
}

func mapNetError(name string, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("%s timeout", name), err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("%s request failed", name), err)
}

func backoff(attempt int) time.Duration {
	base := 120 * time.Millisecond
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	jitter := time.Duration(rand.Intn(75)) * time.Millisecond
	return d + jitter
}
