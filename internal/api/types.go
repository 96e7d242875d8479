// Package api holds the JSON wire types of the reporting service and a
// client for its session, feedback, story and stats endpoints.
package api

import (
	"fmt"

	"github.com/b55585wy/SGGG/internal/pipeline"
	"github.com/b55585wy/SGGG/internal/story"
)

const (
	SessionStartPath   = "/api/v1/session/start"
	FeedbackSubmitPath = "/api/v1/feedback/submit"
	StoryRegisterPath  = "/api/v1/story/register"
	HealthPath         = "/healthz"
	DLQListPath        = "/api/v1/dlq"
)

// SessionStatsPath returns the stats route for a session.
func SessionStatsPath(sessionID string) string {
	return "/api/v1/session/" + sessionID + "/stats"
}

// DLQReplayPath returns the replay route for a dead letter.
func DLQReplayPath(id int64) string {
	return fmt.Sprintf("/api/v1/dlq/%d/replay", id)
}

// Error codes of the error envelope.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInternal     = "INTERNAL"
)

type SessionStartRequest struct {
	StoryID            string `json:"story_id"`
	ClientSessionToken string `json:"client_session_token"`
}

type SessionStartResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type FeedbackSubmitRequest struct {
	SessionID   string               `json:"session_id"`
	Status      story.FeedbackStatus `json:"status"`
	TryLevel    story.TryLevel       `json:"try_level,omitempty"`
	AbortReason story.AbortReason    `json:"abort_reason,omitempty"`
	Notes       string               `json:"notes,omitempty"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type StoryRegisterRequest struct {
	Draft         story.Draft `json:"draft"`
	ParentStoryID string      `json:"parent_story_id,omitempty"`
}

type StoryRegisterResponse struct {
	StoryID string `json:"story_id"`
}

type DLQListResponse struct {
	DeadLetters []pipeline.DLQEntry `json:"dead_letters"`
}

type DLQReplayResponse struct {
	ID       int64  `json:"id"`
	BatchID  string `json:"batch_id"`
	Replayed bool   `json:"replayed"`
}

// ErrorBody is the inner object of the error envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details"`
}

// ErrorResponse is the error envelope {"error": {...}}.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Error is returned by Client for a non-2xx response.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}
