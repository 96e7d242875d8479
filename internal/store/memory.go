package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/b55585wy/SGGG/internal/pipeline"
	"github.com/b55585wy/SGGG/internal/stats"
	"github.com/b55585wy/SGGG/internal/story"
	"github.com/b55585wy/SGGG/internal/telemetry"
)

type memSession struct {
	storyID string
	token   string
	status  string
}

type memStory struct {
	draft      story.Draft
	parentID   string
	regenCount int
}

// Memory keeps everything in process memory (dev/test use). It follows the
// same semantics as Postgres.
type Memory struct {
	mu          sync.RWMutex
	stories     map[string]memStory
	sessions    map[string]memSession
	byToken     map[string]string // story_id + "\x00" + token -> session_id
	events      map[string]telemetry.Event
	order       []string
	feedback    map[string]Feedback
	stats       map[string]stats.Session
	batches     map[string]struct{}
	deadLetters []pipeline.DLQEntry
}

func NewMemory() *Memory {
	return &Memory{
		stories:  make(map[string]memStory),
		sessions: make(map[string]memSession),
		byToken:  make(map[string]string),
		events:   make(map[string]telemetry.Event),
		feedback: make(map[string]Feedback),
		stats:    make(map[string]stats.Session),
		batches:  make(map[string]struct{}),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) RegisterStory(_ context.Context, d story.Draft, parentStoryID string) (string, error) {
	if err := prepareDraft(&d); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	regen := 0
	if parentStoryID != "" {
		parent, ok := m.stories[parentStoryID]
		if !ok {
			return "", fmt.Errorf("%w: parent story %s", ErrNotFound, parentStoryID)
		}
		regen = parent.regenCount + 1
	}
	if _, ok := m.stories[d.StoryID]; !ok {
		m.stories[d.StoryID] = memStory{draft: d, parentID: parentStoryID, regenCount: regen}
	}
	return d.StoryID, nil
}

func (m *Memory) GetStory(_ context.Context, storyID string) (story.Draft, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stories[storyID]
	if !ok {
		return story.Draft{}, fmt.Errorf("%w: story %s", ErrNotFound, storyID)
	}
	return s.draft, nil
}

func (m *Memory) StartSession(_ context.Context, storyID, clientToken string) (SessionStart, error) {
	if storyID == "" || clientToken == "" {
		return SessionStart{}, fmt.Errorf("%w: story_id and client_session_token are required", ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stories[storyID]; !ok {
		return SessionStart{}, fmt.Errorf("%w: story %s", ErrNotFound, storyID)
	}
	key := storyID + "\x00" + clientToken
	if id, ok := m.byToken[key]; ok {
		return SessionStart{SessionID: id, Status: SessionExisted}, nil
	}
	id := NewSessionID()
	m.sessions[id] = memSession{storyID: storyID, token: clientToken, status: SessionStarted}
	m.byToken[key] = id
	return SessionStart{SessionID: id, Status: SessionCreated}, nil
}

// SessionStatus returns the stored status of a session.
func (m *Memory) SessionStatus(sessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s.status, ok
}

func (m *Memory) InsertEvents(_ context.Context, events []telemetry.Event) ([]telemetry.Event, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var accepted []telemetry.Event
	deduped := 0
	for _, e := range events {
		if _, dup := m.events[e.EventID]; dup {
			deduped++
			continue
		}
		m.events[e.EventID] = e
		m.order = append(m.order, e.EventID)
		accepted = append(accepted, e)
	}
	return accepted, deduped, nil
}

// Events returns stored events of a session in insertion order.
func (m *Memory) Events(sessionID string) []telemetry.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []telemetry.Event
	for _, id := range m.order {
		if e := m.events[id]; e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) SubmitFeedback(_ context.Context, fb Feedback) error {
	if err := fb.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[fb.SessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, fb.SessionID)
	}
	if _, dup := m.feedback[fb.SessionID]; dup {
		return fmt.Errorf("%w: feedback already submitted for %s", ErrConflict, fb.SessionID)
	}
	m.feedback[fb.SessionID] = fb
	s.status = string(fb.Status)
	m.sessions[fb.SessionID] = s
	return nil
}

func (m *Memory) SessionStats(_ context.Context, sessionID string) (stats.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.stats[sessionID]; ok {
		return s, nil
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return stats.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return stats.New(sessionID, sess.storyID), nil
}

func (m *Memory) ApplyStats(_ context.Context, batchID string, events []telemetry.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, done := m.batches[batchID]; done {
		return false, nil
	}
	m.batches[batchID] = struct{}{}
	for sessionID, delta := range stats.FoldBySession(events) {
		current, ok := m.stats[sessionID]
		if !ok {
			current = stats.New(sessionID, delta.StoryID)
		}
		m.stats[sessionID] = stats.Merge(current, delta)
	}
	return true, nil
}

func (m *Memory) InsertDLQ(_ context.Context, dl pipeline.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, pipeline.DLQEntry{
		ID:         int64(len(m.deadLetters) + 1),
		DeadLetter: dl,
	})
	return nil
}

// DeadLetters returns a copy of the stored dead letters.
func (m *Memory) DeadLetters() []pipeline.DeadLetter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pipeline.DeadLetter, len(m.deadLetters))
	for i, e := range m.deadLetters {
		out[i] = e.DeadLetter
	}
	return out
}

func (m *Memory) ListDLQ(_ context.Context, limit int) ([]pipeline.DLQEntry, error) {
	limit = dlqLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []pipeline.DLQEntry
	for i := len(m.deadLetters) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.deadLetters[i])
	}
	return out, nil
}

func (m *Memory) GetDLQ(_ context.Context, id int64) (pipeline.DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id < 1 || id > int64(len(m.deadLetters)) {
		return pipeline.DLQEntry{}, fmt.Errorf("%w: dead letter %d", ErrNotFound, id)
	}
	return m.deadLetters[id-1], nil
}

func (m *Memory) MarkDLQReplayed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || id > int64(len(m.deadLetters)) {
		return fmt.Errorf("%w: dead letter %d", ErrNotFound, id)
	}
	e := &m.deadLetters[id-1]
	if e.ReplayedAt != nil {
		return fmt.Errorf("%w: dead letter %d already replayed", ErrConflict, id)
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}
