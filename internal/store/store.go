// Package store persists stories, reading sessions, telemetry events,
// feedback and the aggregated session statistics.
package store

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/b55585wy/SGGG/internal/story"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
)

const (
	SessionCreated = "created"
	SessionExisted = "existed"

	// SessionStarted is the status of a session without feedback.
	SessionStarted = "STARTED"
)

// Dead letter listing bounds.
const (
	DefaultDLQLimit = 10
	MaxDLQLimit     = 100
)

func dlqLimit(limit int) int {
	if limit <= 0 {
		return DefaultDLQLimit
	}
	return min(limit, MaxDLQLimit)
}

// SessionStart is the outcome of starting a session.
type SessionStart struct {
	SessionID string
	Status    string // created or existed
}

// Feedback is the end-of-session report for one session.
type Feedback struct {
	SessionID   string
	Status      story.FeedbackStatus
	TryLevel    story.TryLevel
	AbortReason story.AbortReason
	Notes       string
}

// Validate enforces the status-dependent required fields.
func (f Feedback) Validate() error {
	switch {
	case f.SessionID == "":
		return fmt.Errorf("%w: session_id is required", ErrValidation)
	case !f.Status.Valid():
		return fmt.Errorf("%w: status must be COMPLETED or ABORTED", ErrValidation)
	case f.Status == story.StatusCompleted && f.TryLevel == "":
		return fmt.Errorf("%w: try_level is required when status is COMPLETED", ErrValidation)
	case f.Status == story.StatusAborted && f.AbortReason == "":
		return fmt.Errorf("%w: abort_reason is required when status is ABORTED", ErrValidation)
	case f.TryLevel != "" && !f.TryLevel.Valid():
		return fmt.Errorf("%w: unknown try_level %q", ErrValidation, f.TryLevel)
	case f.AbortReason != "" && !f.AbortReason.Valid():
		return fmt.Errorf("%w: unknown abort_reason %q", ErrValidation, f.AbortReason)
	}
	return nil
}

// NewSessionID returns "ss_" followed by 16 hex characters.
func NewSessionID() string {
	u := uuid.New()
	return "ss_" + hex.EncodeToString(u[:8])
}

// NewStoryID returns "st_" followed by 16 hex characters.
func NewStoryID() string {
	u := uuid.New()
	return "st_" + hex.EncodeToString(u[:8])
}

// prepareDraft assigns a story id when missing and validates the draft.
func prepareDraft(d *story.Draft) error {
	if d.StoryID == "" {
		d.StoryID = NewStoryID()
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
