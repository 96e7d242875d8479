package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ReportPath is the reporting endpoint relative to the API base URL.
const ReportPath = "/api/v1/telemetry/report"

// ReportRequest is the body of a reporting call.
type ReportRequest struct {
	Events []Event `json:"events"`
}

// ReportResult is the informational acknowledgment of a reporting call.
type ReportResult struct {
	Accepted int `json:"accepted"`
	Deduped  int `json:"deduped"`
	Rejected int `json:"rejected"`
}

// Reporter delivers a batch and confirms it. Any error means the whole batch failed.
type Reporter interface {
	Report(ctx context.Context, events []Event) (ReportResult, error)
}

// Beacon hands a batch to a best-effort transport. Send must not block on I/O
// and never reports an outcome.
type Beacon interface {
	Send(events []Event)
}

// StatusError is returned by HTTPReporter for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("report failed with status %d: %s", e.StatusCode, e.Body)
}

// HTTPOption configures the HTTP transports.
type HTTPOption func(*httpTransport)

// WithHTTPClient overrides the client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *httpTransport) { t.client = c }
}

// WithBearerToken sends the token in the Authorization header.
func WithBearerToken(token string) HTTPOption {
	return func(t *httpTransport) { t.token = token }
}

type httpTransport struct {
	endpoint string
	client   *http.Client
	token    string
}

func newHTTPTransport(baseURL string, timeout time.Duration, opts []HTTPOption) httpTransport {
	t := httpTransport{
		endpoint: strings.TrimSuffix(baseURL, "/") + ReportPath,
		client:   &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(&t)
	}
	return t
}

func (t *httpTransport) newRequest(ctx context.Context, events []Event) (*http.Request, error) {
	body, err := json.Marshal(ReportRequest{Events: events})
	if err != nil {
		return nil, fmt.Errorf("marshal events: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

// HTTPReporter is the confirmable transport used by periodic and explicit flushes.
type HTTPReporter struct {
	httpTransport
}

func NewHTTPReporter(baseURL string, opts ...HTTPOption) *HTTPReporter {
	return &HTTPReporter{httpTransport: newHTTPTransport(baseURL, 10*time.Second, opts)}
}

// Report POSTs the batch. A non-2xx status or an undecodable acknowledgment is a failure.
func (r *HTTPReporter) Report(ctx context.Context, events []Event) (ReportResult, error) {
	req, err := r.newRequest(ctx, events)
	if err != nil {
		return ReportResult{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return ReportResult{}, fmt.Errorf("report request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ReportResult{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var res ReportResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return ReportResult{}, fmt.Errorf("decode report response: %w", err)
	}
	return res, nil
}

// HTTPBeacon fires the report body from a goroutine and ignores the response.
type HTTPBeacon struct {
	httpTransport
	wg sync.WaitGroup
}

func NewHTTPBeacon(baseURL string, opts ...HTTPOption) *HTTPBeacon {
	return &HTTPBeacon{httpTransport: newHTTPTransport(baseURL, 2*time.Second, opts)}
}

func (b *HTTPBeacon) Send(events []Event) {
	if len(events) == 0 {
		return
	}
	req, err := b.newRequest(context.Background(), events)
	if err != nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		resp, err := b.client.Do(req)
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
}

// Wait blocks until in-flight sends finish or timeout elapses. Short-lived
// processes call it before exiting so the sends are not cut off.
func (b *HTTPBeacon) Wait(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
