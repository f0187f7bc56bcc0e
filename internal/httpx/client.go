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
	"strings"
	"time"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/poller"
	"github.com/ggonzalez94/agent-funding/internal/version"
	"github.com/rs/zerolog"
)

var retryBackoff = poller.Backoff{Min: 120 * time.Millisecond, Max: 2 * time.Second, Steps: 6}

type Client struct {
	httpClient *http.Client
	retries    int
	userAgent  string
	logger     zerolog.Logger
}

func New(timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		userAgent:  version.CLIName + "/" + version.CLIVersion,
		logger:     zerolog.Nop(),
	}
}

// WithLogger returns the client logging retries to logger.
func (c *Client) WithLogger(logger zerolog.Logger) *Client {
	c.logger = logger
	return c
}

func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			c.logger.Debug().Str("url", req.URL.String()).Int("attempt", attempt).Dur("wait", wait).Err(lastErr).Msg("retrying backend request")
			select {
			case <-ctx.Done():
				return nil, contextError(ctx.Err())
			case <-time.After(wait):
			}
		}

		cloneReq := req.Clone(ctx)
		if req.Body != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, clierr.Wrap(clierr.CodeInternal, "clone request body", err)
			}
			cloneReq.Body = body
		}

		resp, err := c.httpClient.Do(cloneReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, contextError(ctx.Err())
			}
			lastErr = mapNetError(err)
			if attempt < c.retries {
				continue
			}
			return nil, lastErr
		}

		buf, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "read backend response", readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = clierr.New(clierr.CodeRateLimited, "backend rate limited request")
			if attempt < c.retries {
				continue
			}
			return resp.Header, lastErr
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return resp.Header, clierr.New(clierr.CodeAuth, withDetail("backend rejected credentials", buf))
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = clierr.New(clierr.CodeUnavailable, withDetail(fmt.Sprintf("backend unavailable (status %d)", resp.StatusCode), buf))
			if attempt < c.retries {
				continue
			}
			return resp.Header, lastErr
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.Header, clierr.New(clierr.CodeUnsupported, withDetail(fmt.Sprintf("backend returned unexpected status %d", resp.StatusCode), buf))
		}

		if out == nil {
			return resp.Header, nil
		}
		if len(bytes.TrimSpace(buf)) == 0 {
			return resp.Header, clierr.New(clierr.CodeUnavailable, "backend returned empty response")
		}
		if err := json.Unmarshal(buf, out); err != nil {
			return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "decode backend JSON", err)
		}
		return resp.Header, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, clierr.New(clierr.CodeUnavailable, "request failed")
}

// SendJSON encodes payload (when non-nil) as the request body and decodes the
// response into out.
func (c *Client) SendJSON(ctx context.Context, method, url string, payload any, out any) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return clierr.Wrap(clierr.CodeInternal, "encode request body", err)
		}
		body = encoded
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	_, err = c.DoJSON(ctx, req, out)
	return err
}

func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	return c.SendJSON(ctx, http.MethodGet, url, nil, out)
}

// withDetail appends the backend's structured error message, if any.
func withDetail(message string, body []byte) string {
	var parsed struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return message
	}
	detail := parsed.Message
	if s, ok := parsed.Error.(string); ok && strings.TrimSpace(s) != "" {
		detail = s
	}
	if detail == "" {
		detail = parsed.Detail
	}
	if strings.TrimSpace(detail) == "" {
		return message
	}
	return message + ": " + strings.TrimSpace(detail)
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return clierr.Wrap(clierr.CodeTimeout, "operation timed out", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "request cancelled", err)
}

func mapNetError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "backend timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "backend request failed", err)
}

func backoff(attempt int) time.Duration {
	jitter := time.Duration(rand.Intn(75)) * time.Millisecond
	return retryBackoff.Interval(attempt-1) + jitter
}
