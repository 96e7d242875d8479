// Package pipeline defines the messages that move accepted telemetry from the
// reporting service to the aggregation worker.
package pipeline

import (
	"time"

	"github.com/b55585wy/SGGG/internal/telemetry"
)

const (
	EnvelopeType = "telemetry.batch"
	Version      = "v1"
)

// Envelope is one accepted report batch published to the telemetry topic.
type Envelope struct {
	Type         string            `json:"type"`     // "telemetry.batch"
	Version      string            `json:"version"`  // schema version
	BatchID      string            `json:"batch_id"` // idempotency key for stats folding
	Events       []telemetry.Event `json:"events"`
	Attempt      int               `json:"attempt"`
	PublishedAt  string            `json:"published_at"`            // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

func NewEnvelope(batchID string, events []telemetry.Event, traceHeaders map[string]string) Envelope {
	return Envelope{
		Type:         EnvelopeType,
		Version:      Version,
		BatchID:      batchID,
		Events:       events,
		Attempt:      1,
		PublishedAt:  time.Now().UTC().Format(time.RFC3339),
		TraceHeaders: traceHeaders,
	}
}

// SessionIDs returns the distinct sessions in the batch, in first-seen order.
func (e Envelope) SessionIDs() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, ev := range e.Events {
		if _, ok := seen[ev.SessionID]; ok {
			continue
		}
		seen[ev.SessionID] = struct{}{}
		out = append(out, ev.SessionID)
	}
	return out
}
