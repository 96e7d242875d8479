package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SchemaVersion tags the event shape produced by this build.
const SchemaVersion = "telemetry-1.0.0"

// EventType is the closed set of reader events.
type EventType string

const (
	EventPageView      EventType = "page_view"
	EventPageDwell     EventType = "page_dwell"
	EventInteraction   EventType = "interaction"
	EventBranchSelect  EventType = "branch_select"
	EventStoryComplete EventType = "story_complete"
	EventReadAloudPlay EventType = "read_aloud_play"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventPageView, EventPageDwell, EventInteraction,
		EventBranchSelect, EventStoryComplete, EventReadAloudPlay:
		return true
	}
	return false
}

// Payload is the per-type body of an event. Only the types in this file implement it.
type Payload interface {
	EventType() EventType
}

type PageView struct {
	BehaviorAnchor string `json:"behavior_anchor"`
}

type PageDwell struct {
	DurationMS int64 `json:"duration_ms"`
}

type Interaction struct {
	EventKey  string `json:"event_key"`
	LatencyMS int64  `json:"latency_ms"`
}

type BranchSelect struct {
	ChoiceID string `json:"choice_id"`
}

// StoryComplete carries a completion rate in [0, 1].
type StoryComplete struct {
	CompletionRate float64 `json:"completion_rate"`
}

type ReadAloudPlay struct {
	Enabled bool   `json:"enabled"`
	PageID  string `json:"page_id"`
}

func (PageView) EventType() EventType      { return EventPageView }
func (PageDwell) EventType() EventType     { return EventPageDwell }
func (Interaction) EventType() EventType   { return EventInteraction }
func (BranchSelect) EventType() EventType  { return EventBranchSelect }
func (StoryComplete) EventType() EventType { return EventStoryComplete }
func (ReadAloudPlay) EventType() EventType { return EventReadAloudPlay }

// Event is one recorded occurrence. Events are immutable once buffered.
type Event struct {
	EventID       string    `json:"event_id"`
	SchemaVersion string    `json:"schema_version"`
	TSClientMS    int64     `json:"ts_client_ms"`
	SessionID     string    `json:"session_id"`
	StoryID       string    `json:"story_id"`
	PageID        string    `json:"page_id,omitempty"`
	EventType     EventType `json:"event_type"`
	Payload       Payload   `json:"payload"`
}

var (
	ErrUnknownEventType = errors.New("unknown event_type")
	ErrMissingField     = errors.New("missing required field")
)

// UnmarshalJSON decodes the payload into the concrete type selected by event_type.
func (e *Event) UnmarshalJSON(data []byte) error {
	type wire struct {
		EventID       string          `json:"event_id"`
		SchemaVersion string          `json:"schema_version"`
		TSClientMS    int64           `json:"ts_client_ms"`
		SessionID     string          `json:"session_id"`
		StoryID       string          `json:"story_id"`
		PageID        string          `json:"page_id"`
		EventType     EventType       `json:"event_type"`
		Payload       json.RawMessage `json:"payload"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.EventType, w.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		EventID:       w.EventID,
		SchemaVersion: w.SchemaVersion,
		TSClientMS:    w.TSClientMS,
		SessionID:     w.SessionID,
		StoryID:       w.StoryID,
		PageID:        w.PageID,
		EventType:     w.EventType,
		Payload:       p,
	}
	return nil
}

// DecodePayload decodes raw JSON into the payload type for t.
// An absent payload decodes to the zero value of that type.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case EventPageView:
		var v PageView
		if err := unmarshalOpt(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case EventPageDwell:
		var v PageDwell
		if err := unmarshalOpt(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case EventInteraction:
		var v Interaction
		if err := unmarshalOpt(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case EventBranchSelect:
		var v BranchSelect
		if err := unmarshalOpt(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case EventStoryComplete:
		var v StoryComplete
		if err := unmarshalOpt(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case EventReadAloudPlay:
		var v ReadAloudPlay
		if err := unmarshalOpt(raw, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	return p, nil
}

func unmarshalOpt(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Validate checks the fields the reporting service requires before storing an event.
func (e Event) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("%w: event_id", ErrMissingField)
	case e.SessionID == "":
		return fmt.Errorf("%w: session_id", ErrMissingField)
	case e.StoryID == "":
		return fmt.Errorf("%w: story_id", ErrMissingField)
	case !e.EventType.Valid():
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.EventType)
	case e.Payload == nil:
		return fmt.Errorf("%w: payload", ErrMissingField)
	case e.Payload.EventType() != e.EventType:
		return fmt.Errorf("payload %s does not match event_type %s", e.Payload.EventType(), e.EventType)
	}
	return nil
}
