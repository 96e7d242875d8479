package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/b55585wy/SGGG/internal/health"
	"github.com/b55585wy/SGGG/internal/pipeline"
	"github.com/b55585wy/SGGG/internal/stats"
)

// Client talks to the reporting service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.http.Timeout = d }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the service root the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the bearer token, if any.
func (c *Client) Token() string { return c.token }

func (c *Client) StartSession(ctx context.Context, storyID, clientToken string) (SessionStartResponse, error) {
	var out SessionStartResponse
	err := c.do(ctx, http.MethodPost, SessionStartPath, SessionStartRequest{
		StoryID:            storyID,
		ClientSessionToken: clientToken,
	}, &out)
	return out, err
}

func (c *Client) SubmitFeedback(ctx context.Context, req FeedbackSubmitRequest) error {
	var out OKResponse
	return c.do(ctx, http.MethodPost, FeedbackSubmitPath, req, &out)
}

func (c *Client) RegisterStory(ctx context.Context, req StoryRegisterRequest) (string, error) {
	var out StoryRegisterResponse
	if err := c.do(ctx, http.MethodPost, StoryRegisterPath, req, &out); err != nil {
		return "", err
	}
	return out.StoryID, nil
}

func (c *Client) SessionStats(ctx context.Context, sessionID string) (stats.Session, error) {
	var out stats.Session
	err := c.do(ctx, http.MethodGet, SessionStatsPath(sessionID), nil, &out)
	return out, err
}

// ListDLQ returns the newest dead letters; limit <= 0 uses the server default.
func (c *Client) ListDLQ(ctx context.Context, limit int) ([]pipeline.DLQEntry, error) {
	path := DLQListPath
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out DLQListResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.DeadLetters, err
}

// ReplayDLQ publishes a dead-lettered batch to the worker again.
func (c *Client) ReplayDLQ(ctx context.Context, id int64) (DLQReplayResponse, error) {
	var out DLQReplayResponse
	err := c.do(ctx, http.MethodPost, DLQReplayPath(id), nil, &out)
	return out, err
}

// Health fetches /healthz. A 503 still decodes into the returned status.
func (c *Client) Health(ctx context.Context) (health.Status, error) {
	var st health.Status
	err := c.do(ctx, http.MethodGet, HealthPath, nil, &st)
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		st.OK = false
		return st, nil
	}
	return st, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		var env ErrorResponse
		if json.Unmarshal(raw, &env) == nil && env.Error.Code != "" {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode == http.StatusServiceUnavailable && out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return apiErr
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
