// Package stats folds telemetry events into per-session reading statistics.
package stats

import (
	"github.com/b55585wy/SGGG/internal/telemetry"
)

// Session is the running aggregate for one reading session.
type Session struct {
	SessionID      string                        `json:"session_id"`
	StoryID        string                        `json:"story_id"`
	EventCounts    map[telemetry.EventType]int64 `json:"event_counts"`
	PageViews      int64                         `json:"page_views"`
	PagesSeen      []string                      `json:"pages_seen"`
	DwellMSTotal   int64                         `json:"dwell_ms_total"`
	Interactions   int64                         `json:"interactions"`
	LatencyMSTotal int64                         `json:"latency_ms_total"`
	BranchSelects  int64                         `json:"branch_selects"`
	ReadAloudOn    int64                         `json:"read_aloud_on"`
	ReadAloudOff   int64                         `json:"read_aloud_off"`
	CompletionRate float64                       `json:"completion_rate"`
	Completed      bool                          `json:"completed"`
	FirstEventMS   int64                         `json:"first_event_ms"`
	LastEventMS    int64                         `json:"last_event_ms"`
}

// New returns an empty aggregate for sessionID.
func New(sessionID, storyID string) Session {
	return Session{
		SessionID:   sessionID,
		StoryID:     storyID,
		EventCounts: make(map[telemetry.EventType]int64),
	}
}

// MeanLatencyMS is the mean interaction latency, 0 without interactions.
func (s Session) MeanLatencyMS() float64 {
	if s.Interactions == 0 {
		return 0
	}
	return float64(s.LatencyMSTotal) / float64(s.Interactions)
}

// Apply folds one event. Events for another session are ignored.
func (s *Session) Apply(e telemetry.Event) {
	if e.SessionID != s.SessionID {
		return
	}
	if s.EventCounts == nil {
		s.EventCounts = make(map[telemetry.EventType]int64)
	}
	if s.StoryID == "" {
		s.StoryID = e.StoryID
	}
	s.EventCounts[e.EventType]++
	s.observeTime(e.TSClientMS)

	switch p := e.Payload.(type) {
	case telemetry.PageView:
		s.PageViews++
		s.seePage(e.PageID)
	case telemetry.PageDwell:
		if p.DurationMS > 0 {
			s.DwellMSTotal += p.DurationMS
		}
	case telemetry.Interaction:
		s.Interactions++
		if p.LatencyMS > 0 {
			s.LatencyMSTotal += p.LatencyMS
		}
	case telemetry.BranchSelect:
		s.BranchSelects++
	case telemetry.StoryComplete:
		if p.CompletionRate > s.CompletionRate {
			s.CompletionRate = clamp01(p.CompletionRate)
		}
		if p.CompletionRate >= 1 {
			s.Completed = true
		}
	case telemetry.ReadAloudPlay:
		if p.Enabled {
			s.ReadAloudOn++
		} else {
			s.ReadAloudOff++
		}
	}
}

// Fold applies events in order and returns the updated aggregate.
func Fold(s Session, events []telemetry.Event) Session {
	for _, e := range events {
		s.Apply(e)
	}
	return s
}

// FoldBySession groups events by session and folds each group from empty.
func FoldBySession(events []telemetry.Event) map[string]Session {
	out := make(map[string]Session)
	for _, e := range events {
		s, ok := out[e.SessionID]
		if !ok {
			s = New(e.SessionID, e.StoryID)
		}
		s.Apply(e)
		out[e.SessionID] = s
	}
	return out
}

// Merge combines two aggregates of the same session.
func Merge(a, b Session) Session {
	out := New(a.SessionID, a.StoryID)
	if out.SessionID == "" {
		out.SessionID = b.SessionID
	}
	if out.StoryID == "" {
		out.StoryID = b.StoryID
	}
	for k, v := range a.EventCounts {
		out.EventCounts[k] += v
	}
	for k, v := range b.EventCounts {
		out.EventCounts[k] += v
	}

	out.PageViews = a.PageViews + b.PageViews
	out.DwellMSTotal = a.DwellMSTotal + b.DwellMSTotal
	out.Interactions = a.Interactions + b.Interactions
	out.LatencyMSTotal = a.LatencyMSTotal + b.LatencyMSTotal
	out.BranchSelects = a.BranchSelects + b.BranchSelects
	out.ReadAloudOn = a.ReadAloudOn + b.ReadAloudOn
	out.ReadAloudOff = a.ReadAloudOff + b.ReadAloudOff
	out.CompletionRate = max(a.CompletionRate, b.CompletionRate)
	out.Completed = a.Completed || b.Completed

	for _, p := range a.PagesSeen {
		out.seePage(p)
	}
	for _, p := range b.PagesSeen {
		out.seePage(p)
	}
	out.observeTime(a.FirstEventMS)
	out.observeTime(a.LastEventMS)
	out.observeTime(b.FirstEventMS)
	out.observeTime(b.LastEventMS)
	return out
}

func (s *Session) seePage(pageID string) {
	if pageID == "" {
		return
	}
	for _, p := range s.PagesSeen {
		if p == pageID {
			return
		}
	}
	s.PagesSeen = append(s.PagesSeen, pageID)
}

func (s *Session) observeTime(ms int64) {
	if ms <= 0 {
		return
	}
	if s.FirstEventMS == 0 || ms < s.FirstEventMS {
		s.FirstEventMS = ms
	}
	if ms > s.LastEventMS {
		s.LastEventMS = ms
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
