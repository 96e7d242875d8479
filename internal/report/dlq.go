package report

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/b55585wy/SGGG/internal/api"
	"github.com/b55585wy/SGGG/internal/metrics"
	"github.com/b55585wy/SGGG/internal/pipeline"
	"github.com/b55585wy/SGGG/internal/store"
	"github.com/b55585wy/SGGG/internal/tracing"
)

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusUnprocessableEntity, api.CodeValidation, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	entries, err := s.store.ListDLQ(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if entries == nil {
		entries = []pipeline.DLQEntry{}
	}
	writeJSON(w, http.StatusOK, api.DLQListResponse{DeadLetters: entries})
}

// handleDLQReplay publishes a dead-lettered batch to the telemetry topic again
// and marks it replayed. The worker folds each batch_id once, so replaying a
// batch that was partly applied is safe.
func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnprocessableEntity, api.CodeValidation, "id must be a positive integer", nil)
		return
	}

	entry, err := s.store.GetDLQ(ctx, id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if entry.ReplayedAt != nil {
		metrics.RecordDLQReplay("already_replayed")
		s.writeStoreError(w, r, fmt.Errorf("%w: dead letter %d already replayed", store.ErrConflict, id))
		return
	}
	if s.pub == nil {
		writeError(w, http.StatusInternalServerError, api.CodeInternal, "no queue configured for replay", nil)
		return
	}

	env := entry.Replay(tracing.InjectHeaders(ctx))
	body, err := json.Marshal(env)
	if err == nil {
		err = s.pub.Publish(s.topic, body)
	}
	if err != nil {
		metrics.RecordDLQReplay("publish_failed")
		s.writeStoreError(w, r, fmt.Errorf("replay dead letter %d: %w", id, err))
		return
	}
	if err := s.store.MarkDLQReplayed(ctx, id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	metrics.RecordDLQReplay("replayed")
	tracing.AddSpanEvent(ctx, "dlq.replayed",
		attribute.Int64("dlq.id", id),
		attribute.String("batch_id", env.BatchID))
	s.log.WithContext(ctx).WithFields(map[string]any{
		"dlq_id":   id,
		"batch_id": env.BatchID,
		"events":   len(env.Events),
	}).Info("dead letter replayed")

	writeJSON(w, http.StatusOK, api.DLQReplayResponse{ID: id, BatchID: env.BatchID, Replayed: true})
}
