// Package reader plays a story draft page by page and records the reading
// telemetry a reader view produces.
package reader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/b55585wy/SGGG/internal/story"
	"github.com/b55585wy/SGGG/internal/telemetry"
)

// Tracker receives reading events. *telemetry.Buffer implements it.
type Tracker interface {
	Track(eventType telemetry.EventType, payload telemetry.Payload, pageID string)
	Flush(ctx context.Context)
}

// Speaker is the platform read-aloud capability.
type Speaker interface {
	Speak(text string)
	Stop()
	Speaking() bool
}

var (
	ErrNotOpen       = errors.New("session not opened")
	ErrFinished      = errors.New("session already finished")
	ErrUnknownChoice = errors.New("unknown branch choice")
)

type Option func(*Session)

func WithSpeaker(s Speaker) Option {
	return func(r *Session) { r.speaker = s }
}

// WithClock overrides the clock used to measure page dwell.
func WithClock(now func() time.Time) Option {
	return func(r *Session) { r.now = now }
}

// Session walks one draft. It is not safe for concurrent use.
type Session struct {
	draft   *story.Draft
	tracker Tracker
	speaker Speaker
	now     func() time.Time

	idx       int
	enteredAt time.Time
	opened    bool
	status    story.FeedbackStatus
}

func NewSession(d *story.Draft, t Tracker, opts ...Option) *Session {
	s := &Session{
		draft:   d,
		tracker: t,
		speaker: &silentSpeaker{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open enters the first page.
func (s *Session) Open() error {
	if s.status != "" {
		return ErrFinished
	}
	if len(s.draft.Pages) == 0 {
		return fmt.Errorf("%w: no pages", story.ErrInvalidDraft)
	}
	if s.opened {
		return nil
	}
	s.opened = true
	s.enter(0)
	return nil
}

// Next leaves the current page. Past the last page the story is complete:
// story_complete is recorded, the tracker is flushed and finished is true.
func (s *Session) Next(ctx context.Context) (finished bool, err error) {
	if err := s.active(); err != nil {
		return false, err
	}
	s.dwell()
	if s.idx+1 >= len(s.draft.Pages) {
		last := s.draft.Pages[len(s.draft.Pages)-1]
		s.tracker.Track(telemetry.EventStoryComplete, telemetry.StoryComplete{CompletionRate: 1.0}, last.PageID)
		s.tracker.Flush(ctx)
		s.finish(story.StatusCompleted)
		return true, nil
	}
	s.enter(s.idx + 1)
	return false, nil
}

// Prev goes back one page. It is a no-op on the first page.
func (s *Session) Prev() error {
	if err := s.active(); err != nil {
		return err
	}
	if s.idx == 0 {
		return nil
	}
	s.dwell()
	s.enter(s.idx - 1)
	return nil
}

// Interact records a completed page interaction.
func (s *Session) Interact(eventKey string, latency time.Duration) error {
	if err := s.active(); err != nil {
		return err
	}
	s.tracker.Track(telemetry.EventInteraction, telemetry.Interaction{
		EventKey:  eventKey,
		LatencyMS: latency.Milliseconds(),
	}, s.page().PageID)
	return nil
}

// Branch records the choice and jumps to its target page.
func (s *Session) Branch(choiceID string) error {
	if err := s.active(); err != nil {
		return err
	}
	c, ok := s.draft.Choice(s.idx, choiceID)
	if !ok {
		return fmt.Errorf("%w: %q on page %q", ErrUnknownChoice, choiceID, s.page().PageID)
	}
	s.tracker.Track(telemetry.EventBranchSelect, telemetry.BranchSelect{ChoiceID: c.ChoiceID}, s.page().PageID)
	if next := s.draft.PageIndex(c.NextPageID); next >= 0 {
		s.dwell()
		s.enter(next)
	}
	return nil
}

// ToggleReadAloud starts or stops reading the current page aloud and reports
// whether it is now enabled.
func (s *Session) ToggleReadAloud() (bool, error) {
	if err := s.active(); err != nil {
		return false, err
	}
	p := s.page()
	enabled := !s.speaker.Speaking()
	if enabled {
		s.speaker.Speak(p.Text)
	} else {
		s.speaker.Stop()
	}
	s.tracker.Track(telemetry.EventReadAloudPlay, telemetry.ReadAloudPlay{Enabled: enabled, PageID: p.PageID}, p.PageID)
	return enabled, nil
}

// Exit abandons the story: the current dwell is recorded and the tracker flushed.
func (s *Session) Exit(ctx context.Context) error {
	if err := s.active(); err != nil {
		return err
	}
	s.dwell()
	s.tracker.Flush(ctx)
	s.finish(story.StatusAborted)
	return nil
}

// Page returns the current page.
func (s *Session) Page() story.Page { return s.page() }

func (s *Session) Index() int { return s.idx }

// Status is empty while reading, then COMPLETED or ABORTED.
func (s *Session) Status() story.FeedbackStatus { return s.status }

func (s *Session) active() error {
	if s.status != "" {
		return ErrFinished
	}
	if !s.opened {
		return ErrNotOpen
	}
	return nil
}

func (s *Session) page() story.Page {
	return s.draft.Pages[s.idx]
}

func (s *Session) enter(i int) {
	s.idx = i
	p := s.page()
	s.tracker.Track(telemetry.EventPageView, telemetry.PageView{BehaviorAnchor: string(p.BehaviorAnchor)}, p.PageID)
	s.enteredAt = s.now()
	s.speaker.Stop()
}

func (s *Session) dwell() {
	d := s.now().Sub(s.enteredAt)
	s.tracker.Track(telemetry.EventPageDwell, telemetry.PageDwell{DurationMS: d.Milliseconds()}, s.page().PageID)
}

func (s *Session) finish(status story.FeedbackStatus) {
	s.speaker.Stop()
	s.status = status
}

// silentSpeaker tracks speaking state without producing audio.
type silentSpeaker struct {
	speaking bool
}

func (s *silentSpeaker) Speak(string)   { s.speaking = true }
func (s *silentSpeaker) Stop()          { s.speaking = false }
func (s *silentSpeaker) Speaking() bool { return s.speaking }
