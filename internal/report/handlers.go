package report

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/b55585wy/SGGG/internal/api"
	"github.com/b55585wy/SGGG/internal/metrics"
	"github.com/b55585wy/SGGG/internal/stats"
	"github.com/b55585wy/SGGG/internal/store"
	"github.com/b55585wy/SGGG/internal/telemetry"
	"github.com/b55585wy/SGGG/internal/tracing"
)

// rawReport keeps events undecoded so one bad event does not fail the batch.
type rawReport struct {
	Events []json.RawMessage `json:"events"`
}

// decodeEvents returns the valid events and the number rejected.
func decodeEvents(raws []json.RawMessage) ([]telemetry.Event, int) {
	events := make([]telemetry.Event, 0, len(raws))
	rejected := 0
	for _, raw := range raws {
		var e telemetry.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			rejected++
			continue
		}
		if err := e.Validate(); err != nil {
			rejected++
			continue
		}
		events = append(events, e)
	}
	return events, rejected
}

// Ingest stores the batch, deduplicating by event_id, and publishes the newly
// accepted events as one envelope.
func (s *Server) Ingest(ctx context.Context, events []telemetry.Event, rejected int) (telemetry.ReportResult, error) {
	ctx, span := tracing.StartSpan(ctx, "report.Ingest",
		attribute.Int("batch.size", len(events)),
		attribute.Int("batch.rejected", rejected),
	)
	defer span.End()

	res := telemetry.ReportResult{Rejected: rejected}
	if len(events) > 0 {
		accepted, deduped, err := s.store.InsertEvents(ctx, events)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return telemetry.ReportResult{}, fmt.Errorf("insert events: %w", err)
		}
		res.Accepted = len(accepted)
		res.Deduped = deduped
		s.publish(ctx, accepted)
	}

	span.SetAttributes(
		attribute.Int("batch.accepted", res.Accepted),
		attribute.Int("batch.deduped", res.Deduped),
	)
	metrics.RecordReport(res.Accepted, res.Deduped, res.Rejected)
	return res, nil
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req rawReport
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Events == nil {
		writeError(w, http.StatusUnprocessableEntity, api.CodeValidation, "events is required", nil)
		return
	}

	events, rejected := decodeEvents(req.Events)
	res, err := s.Ingest(r.Context(), events, rejected)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req api.SessionStartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StoryID == "" || req.ClientSessionToken == "" {
		writeError(w, http.StatusUnprocessableEntity, api.CodeValidation,
			"story_id and client_session_token are required",
			map[string]any{"story_id": req.StoryID})
		return
	}

	out, err := s.store.StartSession(r.Context(), req.StoryID, req.ClientSessionToken)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	metrics.RecordSessionStart(out.Status)
	s.log.WithContext(r.Context()).WithSession(out.SessionID).WithStory(req.StoryID).
		WithField("status", out.Status).Info("session started")
	writeJSON(w, http.StatusOK, api.SessionStartResponse{SessionID: out.SessionID, Status: out.Status})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req api.FeedbackSubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}

	err := s.store.SubmitFeedback(r.Context(), store.Feedback{
		SessionID:   req.SessionID,
		Status:      req.Status,
		TryLevel:    req.TryLevel,
		AbortReason: req.AbortReason,
		Notes:       req.Notes,
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	metrics.RecordFeedback(string(req.Status))
	writeJSON(w, http.StatusOK, api.OKResponse{OK: true})
}

func (s *Server) handleStoryRegister(w http.ResponseWriter, r *http.Request) {
	var req api.StoryRegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id, err := s.store.RegisterStory(r.Context(), req.Draft, req.ParentStoryID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.log.WithContext(r.Context()).WithStory(id).
		WithField("pages", len(req.Draft.Pages)).Info("story registered")
	writeJSON(w, http.StatusOK, api.StoryRegisterResponse{StoryID: id})
}

// statsResponse adds derived values to the stored aggregate.
type statsResponse struct {
	stats.Session
	MeanLatencyMS float64 `json:"mean_latency_ms"`
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.store.SessionStats(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Session: st, MeanLatencyMS: st.MeanLatencyMS()})
}
