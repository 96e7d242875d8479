package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/b55585wy/SGGG/internal/pipeline"
	"github.com/b55585wy/SGGG/internal/stats"
	"github.com/b55585wy/SGGG/internal/story"
	"github.com/b55585wy/SGGG/internal/telemetry"
)

// contractStore is the surface both implementations share.
type contractStore interface {
	RegisterStory(ctx context.Context, d story.Draft, parentStoryID string) (string, error)
	GetStory(ctx context.Context, storyID string) (story.Draft, error)
	StartSession(ctx context.Context, storyID, clientToken string) (SessionStart, error)
	InsertEvents(ctx context.Context, events []telemetry.Event) ([]telemetry.Event, int, error)
	SubmitFeedback(ctx context.Context, fb Feedback) error
	SessionStats(ctx context.Context, sessionID string) (stats.Session, error)
	ApplyStats(ctx context.Context, batchID string, events []telemetry.Event) (bool, error)
	InsertDLQ(ctx context.Context, dl pipeline.DeadLetter) error
	ListDLQ(ctx context.Context, limit int) ([]pipeline.DLQEntry, error)
	GetDLQ(ctx context.Context, id int64) (pipeline.DLQEntry, error)
	MarkDLQReplayed(ctx context.Context, id int64) error
}

func draft(id string) story.Draft {
	return story.Draft{
		StoryID: id,
		Pages: []story.Page{
			{PageNo: 1, PageID: "page-001", BehaviorAnchor: story.Lv1},
			{PageNo: 2, PageID: "page-002", BehaviorAnchor: story.Lv2},
		},
	}
}

func event(id, session string, p telemetry.Payload) telemetry.Event {
	return telemetry.Event{
		EventID:       id,
		SchemaVersion: telemetry.SchemaVersion,
		TSClientMS:    1_700_000_000_000,
		SessionID:     session,
		StoryID:       "st_contract",
		PageID:        "page-001",
		EventType:     p.EventType(),
		Payload:       p,
	}
}

func runContract(t *testing.T, s contractStore, suffix string) {
	ctx := context.Background()
	storyID := "st_contract" + suffix

	t.Run("register story", func(t *testing.T) {
		id, err := s.RegisterStory(ctx, draft(storyID), "")
		if err != nil || id != storyID {
			t.Fatalf("RegisterStory() = %q, %v", id, err)
		}
		if again, err := s.RegisterStory(ctx, draft(storyID), ""); err != nil || again != storyID {
			t.Errorf("re-register = %q, %v", again, err)
		}
		got, err := s.GetStory(ctx, storyID)
		if err != nil || len(got.Pages) != 2 {
			t.Errorf("GetStory() = %+v, %v", got, err)
		}
	})

	t.Run("register assigns id and validates", func(t *testing.T) {
		d := draft("")
		id, err := s.RegisterStory(ctx, d, storyID)
		if err != nil || !strings.HasPrefix(id, "st_") {
			t.Errorf("RegisterStory(no id) = %q, %v", id, err)
		}
		bad := draft("st_bad" + suffix)
		bad.Pages = nil
		if _, err := s.RegisterStory(ctx, bad, ""); !errors.Is(err, ErrValidation) {
			t.Errorf("invalid draft error = %v, want ErrValidation", err)
		}
		if _, err := s.RegisterStory(ctx, draft("st_orphan"+suffix), "st_missing"+suffix); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown parent error = %v, want ErrNotFound", err)
		}
	})

	var sessionID string
	t.Run("start session is idempotent", func(t *testing.T) {
		first, err := s.StartSession(ctx, storyID, "tok-1")
		if err != nil || first.Status != SessionCreated {
			t.Fatalf("first start = %+v, %v", first, err)
		}
		if len(first.SessionID) != 19 || !strings.HasPrefix(first.SessionID, "ss_") {
			t.Errorf("session id %q not ss_ + 16 hex", first.SessionID)
		}
		second, err := s.StartSession(ctx, storyID, "tok-1")
		if err != nil || second.Status != SessionExisted || second.SessionID != first.SessionID {
			t.Errorf("second start = %+v, %v", second, err)
		}
		other, _ := s.StartSession(ctx, storyID, "tok-2")
		if other.SessionID == first.SessionID {
			t.Error("different token reused session id")
		}
		if _, err := s.StartSession(ctx, "st_unknown"+suffix, "tok-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown story error = %v, want ErrNotFound", err)
		}
		sessionID = first.SessionID
	})

	t.Run("insert events dedupes by event_id", func(t *testing.T) {
		batch := []telemetry.Event{
			event("e1"+suffix, sessionID, telemetry.PageView{BehaviorAnchor: "Lv1"}),
			event("e2"+suffix, sessionID, telemetry.PageDwell{DurationMS: 800}),
			event("e1"+suffix, sessionID, telemetry.PageView{BehaviorAnchor: "Lv1"}),
		}
		accepted, deduped, err := s.InsertEvents(ctx, batch)
		if err != nil {
			t.Fatal(err)
		}
		if len(accepted) != 2 || deduped != 1 {
			t.Errorf("first insert accepted=%d deduped=%d, want 2/1", len(accepted), deduped)
		}
		accepted, deduped, _ = s.InsertEvents(ctx, batch[:2])
		if len(accepted) != 0 || deduped != 2 {
			t.Errorf("replay accepted=%d deduped=%d, want 0/2", len(accepted), deduped)
		}
	})

	t.Run("stats apply once per batch", func(t *testing.T) {
		empty, err := s.SessionStats(ctx, sessionID)
		if err != nil || empty.PageViews != 0 {
			t.Fatalf("SessionStats before apply = %+v, %v", empty, err)
		}

		events := []telemetry.Event{
			event("s1"+suffix, sessionID, telemetry.PageView{BehaviorAnchor: "Lv1"}),
			event("s2"+suffix, sessionID, telemetry.Interaction{EventKey: "tap", LatencyMS: 300}),
		}
		applied, err := s.ApplyStats(ctx, "batch-1"+suffix, events)
		if err != nil || !applied {
			t.Fatalf("ApplyStats() = %v, %v", applied, err)
		}
		applied, err = s.ApplyStats(ctx, "batch-1"+suffix, events)
		if err != nil || applied {
			t.Errorf("duplicate ApplyStats() = %v, %v, want false", applied, err)
		}
		_, _ = s.ApplyStats(ctx, "batch-2"+suffix, []telemetry.Event{
			event("s3"+suffix, sessionID, telemetry.PageDwell{DurationMS: 1200}),
		})

		got, err := s.SessionStats(ctx, sessionID)
		if err != nil {
			t.Fatal(err)
		}
		if got.PageViews != 1 || got.Interactions != 1 || got.DwellMSTotal != 1200 {
			t.Errorf("stats = %+v", got)
		}
		if _, err := s.SessionStats(ctx, "ss_missing"+suffix); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown session stats error = %v", err)
		}
	})

	t.Run("feedback", func(t *testing.T) {
		tests := []struct {
			name    string
			fb      Feedback
			wantErr error
		}{
			{"completed without try level", Feedback{SessionID: sessionID, Status: story.StatusCompleted}, ErrValidation},
			{"aborted without reason", Feedback{SessionID: sessionID, Status: story.StatusAborted}, ErrValidation},
			{"unknown session", Feedback{SessionID: "ss_nope" + suffix, Status: story.StatusAborted, AbortReason: story.AbortBored}, ErrNotFound},
			{"accepted", Feedback{SessionID: sessionID, Status: story.StatusCompleted, TryLevel: story.TryLick, Notes: "smiled"}, nil},
			{"duplicate", Feedback{SessionID: sessionID, Status: story.StatusAborted, AbortReason: story.AbortBored}, ErrConflict},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := s.SubmitFeedback(ctx, tt.fb)
				if tt.wantErr == nil && err != nil {
					t.Fatalf("SubmitFeedback() error = %v", err)
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("SubmitFeedback() error = %v, want %v", err, tt.wantErr)
				}
			})
		}
	})

	t.Run("dlq", func(t *testing.T) {
		env := pipeline.NewEnvelope("batch-dlq"+suffix, []telemetry.Event{
			event("d1"+suffix, sessionID, telemetry.BranchSelect{ChoiceID: "c"}),
		}, nil)
		if err := s.InsertDLQ(ctx, pipeline.NewDeadLetter(env, 5, "boom", "max_attempts")); err != nil {
			t.Fatalf("InsertDLQ() error = %v", err)
		}

		list, err := s.ListDLQ(ctx, 1)
		if err != nil {
			t.Fatalf("ListDLQ() error = %v", err)
		}
		if len(list) != 1 || list[0].Envelope.BatchID != env.BatchID {
			t.Fatalf("ListDLQ(1) = %+v, want the newest dead letter", list)
		}
		got := list[0]
		if got.Attempt != 5 || got.Reason != "max_attempts" || got.LastError != "boom" ||
			len(got.Envelope.Events) != 1 || got.ReplayedAt != nil {
			t.Errorf("entry = %+v", got)
		}

		if _, err := s.GetDLQ(ctx, got.ID); err != nil {
			t.Errorf("GetDLQ() error = %v", err)
		}
		if _, err := s.GetDLQ(ctx, -1); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetDLQ(-1) error = %v, want ErrNotFound", err)
		}
		if err := s.MarkDLQReplayed(ctx, got.ID); err != nil {
			t.Fatalf("MarkDLQReplayed() error = %v", err)
		}
		if err := s.MarkDLQReplayed(ctx, got.ID); !errors.Is(err, ErrConflict) {
			t.Errorf("second MarkDLQReplayed() error = %v, want ErrConflict", err)
		}
		if err := s.MarkDLQReplayed(ctx, -1); !errors.Is(err, ErrNotFound) {
			t.Errorf("MarkDLQReplayed(-1) error = %v, want ErrNotFound", err)
		}
		if e, _ := s.GetDLQ(ctx, got.ID); e.ReplayedAt == nil {
			t.Error("ReplayedAt not set after replay")
		}
	})
}

func TestMemory_Contract(t *testing.T) {
	runContract(t, NewMemory(), "")
}

func TestDLQLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultDLQLimit},
		{-3, DefaultDLQLimit},
		{25, 25},
		{1000, MaxDLQLimit},
	}
	for _, tt := range tests {
		if got := dlqLimit(tt.in); got != tt.want {
			t.Errorf("dlqLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMemory_FeedbackUpdatesSessionStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, _ = m.RegisterStory(ctx, draft("st_1"), "")
	start, _ := m.StartSession(ctx, "st_1", "tok")

	if status, _ := m.SessionStatus(start.SessionID); status != SessionStarted {
		t.Errorf("initial status = %q", status)
	}
	_ = m.SubmitFeedback(ctx, Feedback{SessionID: start.SessionID, Status: story.StatusAborted, AbortReason: story.AbortScared})
	if status, _ := m.SessionStatus(start.SessionID); status != "ABORTED" {
		t.Errorf("status after feedback = %q, want ABORTED", status)
	}
}

func TestMemory_EventsKeepInsertionOrder(t *testing.T) {
	m := NewMemory()
	_, _, _ = m.InsertEvents(context.Background(), []telemetry.Event{
		event("b", "ss_x", telemetry.PageView{}),
		event("a", "ss_x", telemetry.PageView{}),
		event("c", "ss_y", telemetry.PageView{}),
	})
	got := m.Events("ss_x")
	if len(got) != 2 || got[0].EventID != "b" || got[1].EventID != "a" {
		t.Errorf("Events(ss_x) = %+v", got)
	}
}

func TestFeedback_Validate(t *testing.T) {
	tests := []struct {
		name    string
		fb      Feedback
		wantErr bool
	}{
		{"completed ok", Feedback{SessionID: "s", Status: story.StatusCompleted, TryLevel: story.TryLook}, false},
		{"aborted ok", Feedback{SessionID: "s", Status: story.StatusAborted, AbortReason: story.AbortOther}, false},
		{"missing session", Feedback{Status: story.StatusCompleted, TryLevel: story.TryLook}, true},
		{"bad status", Feedback{SessionID: "s", Status: "PAUSED"}, true},
		{"bad try level", Feedback{SessionID: "s", Status: story.StatusCompleted, TryLevel: "eat"}, true},
		{"bad abort reason", Feedback{SessionID: "s", Status: story.StatusAborted, AbortReason: "nap"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fb.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("Validate() error %v is not ErrValidation", err)
			}
		})
	}
}

func TestNewIDs(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	if a == b {
		t.Error("NewSessionID() repeated")
	}
	if !strings.HasPrefix(a, "ss_") || len(a) != 19 {
		t.Errorf("NewSessionID() = %q", a)
	}
	if s := NewStoryID(); !strings.HasPrefix(s, "st_") || len(s) != 19 {
		t.Errorf("NewStoryID() = %q", s)
	}
}
