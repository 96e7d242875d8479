// Package report serves the reporting API: telemetry batches, session start,
// feedback, story registration and session statistics.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/b55585wy/SGGG/internal/api"
	"github.com/b55585wy/SGGG/internal/health"
	"github.com/b55585wy/SGGG/internal/logging"
	"github.com/b55585wy/SGGG/internal/metrics"
	"github.com/b55585wy/SGGG/internal/pipeline"
	"github.com/b55585wy/SGGG/internal/stats"
	"github.com/b55585wy/SGGG/internal/store"
	"github.com/b55585wy/SGGG/internal/story"
	"github.com/b55585wy/SGGG/internal/telemetry"
	"github.com/b55585wy/SGGG/internal/tracing"
)

const maxBodyBytes = 1 << 20

// Store is the persistence the reporting API needs. *store.Postgres and
// *store.Memory both satisfy it.
type Store interface {
	health.Pinger
	RegisterStory(ctx context.Context, d story.Draft, parentStoryID string) (string, error)
	StartSession(ctx context.Context, storyID, clientToken string) (store.SessionStart, error)
	InsertEvents(ctx context.Context, events []telemetry.Event) ([]telemetry.Event, int, error)
	SubmitFeedback(ctx context.Context, fb store.Feedback) error
	SessionStats(ctx context.Context, sessionID string) (stats.Session, error)
	ListDLQ(ctx context.Context, limit int) ([]pipeline.DLQEntry, error)
	GetDLQ(ctx context.Context, id int64) (pipeline.DLQEntry, error)
	MarkDLQReplayed(ctx context.Context, id int64) error
}

// Publisher is the subset of *nsq.Producer used to fan accepted batches out.
type Publisher interface {
	Publish(topic string, body []byte) error
}

type Server struct {
	store  Store
	pub    Publisher
	topic  string
	log    *logging.Logger
	extras map[string]http.Handler
}

type Option func(*Server)

// WithLogger sets the logger used for request and publish failures.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithHandler mounts an extra handler, e.g. /metrics.
func WithHandler(pattern string, h http.Handler) Option {
	return func(s *Server) { s.extras[pattern] = h }
}

// NewServer builds the API. A nil publisher disables fan-out to the worker.
func NewServer(st Store, pub Publisher, topic string, opts ...Option) *Server {
	s := &Server{
		store:  st,
		pub:    pub,
		topic:  topic,
		log:    logging.Default(),
		extras: make(map[string]http.Handler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes returns the HTTP handler for every endpoint of the API.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+telemetry.ReportPath, s.instrument("report", s.handleReport))
	mux.Handle("POST "+api.SessionStartPath, s.instrument("session_start", s.handleSessionStart))
	mux.Handle("POST "+api.FeedbackSubmitPath, s.instrument("feedback_submit", s.handleFeedback))
	mux.Handle("POST "+api.StoryRegisterPath, s.instrument("story_register", s.handleStoryRegister))
	mux.Handle("GET /api/v1/session/{id}/stats", s.instrument("session_stats", s.handleSessionStats))
	mux.Handle("GET "+api.DLQListPath, s.instrument("dlq_list", s.handleDLQList))
	mux.Handle("POST /api/v1/dlq/{id}/replay", s.instrument("dlq_replay", s.handleDLQReplay))
	mux.Handle("GET "+api.HealthPath, health.HTTPHandler(s.store))
	for pattern, h := range s.extras {
		mux.Handle(pattern, h)
	}
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument extracts the caller's trace context, wraps the handler in a span
// and records its latency by route and status.
func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracing.StartSpan(ctx, "http."+route,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		metrics.RecordHTTPRequest(route, strconv.Itoa(rec.status), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	if details == nil {
		details = map[string]any{}
	}
	writeJSON(w, status, api.ErrorResponse{Error: api.ErrorBody{Code: code, Message: msg, Details: details}})
}

// writeStoreError maps store sentinels onto the error envelope.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, api.CodeValidation, err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, api.CodeNotFound, err.Error(), nil)
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, api.CodeConflict, err.Error(), nil)
	default:
		tracing.SetSpanError(r.Context(), err)
		s.log.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, api.CodeInternal, "internal error", nil)
	}
}

// decodeBody reads a JSON body; on failure it writes a 422 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusUnprocessableEntity, api.CodeValidation, fmt.Sprintf("invalid request body: %v", err), nil)
		return false
	}
	return true
}

func newBatchID() string {
	return "bt_" + uuid.NewString()
}

// publish fans one accepted batch out to the worker. Failures are logged and
// counted; the events are already stored.
func (s *Server) publish(ctx context.Context, events []telemetry.Event) {
	if s.pub == nil || len(events) == 0 {
		return
	}
	env := pipeline.NewEnvelope(newBatchID(), events, tracing.InjectHeaders(ctx))
	body, err := json.Marshal(env)
	if err == nil {
		err = s.pub.Publish(s.topic, body)
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.log.WithContext(ctx).WithError(err).
			WithField("batch_id", env.BatchID).
			WithField("topic", s.topic).
			Error("publish telemetry batch failed")
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_batch",
		attribute.String("batch_id", env.BatchID),
		attribute.Int("event_count", len(events)),
		attribute.String("topic", s.topic))
}
