package pipeline

import "time"

const DLQType = "telemetry.dlq"

type DeadLetter struct {
	Type      string   `json:"type"`    // "telemetry.dlq"
	Version   string   `json:"version"` // schema version
	At        string   `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason    string   `json:"reason"`  // human/debug text
	Attempt   int      `json:"attempt"` // attempt count when DLQ'd
	LastError string   `json:"last_error,omitempty"`
	Envelope  Envelope `json:"envelope"` // full batch snapshot
}

func NewDeadLetter(env Envelope, attempt int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   Version,
		At:        time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   attempt,
		LastError: lastErr,
		Envelope:  env,
	}
}

// DLQEntry is a stored dead letter. ReplayedAt is set once the batch was
// published again.
type DLQEntry struct {
	ID int64 `json:"id"`
	DeadLetter
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
}

// Replay returns the envelope to publish again, with the attempt count reset.
func (e DLQEntry) Replay(traceHeaders map[string]string) Envelope {
	env := e.Envelope
	env.Attempt = 1
	env.PublishedAt = time.Now().UTC().Format(time.RFC3339)
	env.TraceHeaders = traceHeaders
	return env
}
