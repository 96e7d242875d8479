package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/b55585wy/SGGG/internal/pipeline"
	"github.com/b55585wy/SGGG/internal/stats"
	"github.com/b55585wy/SGGG/internal/story"
	"github.com/b55585wy/SGGG/internal/telemetry"
	"github.com/b55585wy/SGGG/internal/tracing"
)

// Postgres is the pgx-backed store. Tables live in the storybook schema.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// RegisterStory stores a generated draft. Registering the same story id again
// is a no-op that returns the id.
func (p *Postgres) RegisterStory(ctx context.Context, d story.Draft, parentStoryID string) (string, error) {
	if err := prepareDraft(&d); err != nil {
		return "", err
	}

	regen := 0
	var parent *string
	if parentStoryID != "" {
		if err := p.pool.QueryRow(ctx, `
			SELECT regen_count + 1 FROM storybook.stories WHERE story_id = $1`,
			parentStoryID,
		).Scan(&regen); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return "", fmt.Errorf("%w: parent story %s", ErrNotFound, parentStoryID)
			}
			return "", fmt.Errorf("select parent story: %w", err)
		}
		parent = &parentStoryID
	}

	body, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal draft: %w", err)
	}
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO storybook.stories(story_id, parent_story_id, regen_count, story_json)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (story_id) DO NOTHING`,
		d.StoryID, parent, regen, string(body),
	); err != nil {
		return "", fmt.Errorf("insert story: %w", err)
	}
	return d.StoryID, nil
}

func (p *Postgres) GetStory(ctx context.Context, storyID string) (story.Draft, error) {
	var body []byte
	err := p.pool.QueryRow(ctx, `
		SELECT story_json FROM storybook.stories WHERE story_id = $1`,
		storyID,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return story.Draft{}, fmt.Errorf("%w: story %s", ErrNotFound, storyID)
	}
	if err != nil {
		return story.Draft{}, fmt.Errorf("select story: %w", err)
	}
	var d story.Draft
	if err := json.Unmarshal(body, &d); err != nil {
		return story.Draft{}, fmt.Errorf("decode story %s: %w", storyID, err)
	}
	return d, nil
}

// StartSession is idempotent on (story_id, client_session_token).
func (p *Postgres) StartSession(ctx context.Context, storyID, clientToken string) (SessionStart, error) {
	if storyID == "" || clientToken == "" {
		return SessionStart{}, fmt.Errorf("%w: story_id and client_session_token are required", ErrValidation)
	}

	var exists bool
	if err := p.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM storybook.stories WHERE story_id = $1)`,
		storyID,
	).Scan(&exists); err != nil {
		return SessionStart{}, fmt.Errorf("check story: %w", err)
	}
	if !exists {
		return SessionStart{}, fmt.Errorf("%w: story %s", ErrNotFound, storyID)
	}

	var sessionID string
	err := p.pool.QueryRow(ctx, `
		INSERT INTO storybook.sessions(session_id, story_id, client_session_token, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (story_id, client_session_token) DO NOTHING
		RETURNING session_id`,
		NewSessionID(), storyID, clientToken, SessionStarted,
	).Scan(&sessionID)
	if err == nil {
		return SessionStart{SessionID: sessionID, Status: SessionCreated}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return SessionStart{}, fmt.Errorf("insert session: %w", err)
	}

	if err := p.pool.QueryRow(ctx, `
		SELECT session_id FROM storybook.sessions
		WHERE story_id = $1 AND client_session_token = $2`,
		storyID, clientToken,
	).Scan(&sessionID); err != nil {
		return SessionStart{}, fmt.Errorf("select existing session: %w", err)
	}
	return SessionStart{SessionID: sessionID, Status: SessionExisted}, nil
}

// InsertEvents stores events whose event_id is new and returns them in input
// order along with the number of duplicates skipped.
func (p *Postgres) InsertEvents(ctx context.Context, events []telemetry.Event) ([]telemetry.Event, int, error) {
	if len(events) == 0 {
		return nil, 0, nil
	}
	ctx, span := tracing.StartSpan(ctx, "store.InsertEvents", attribute.Int("batch.size", len(events)))
	defer span.End()

	batch := &pgx.Batch{}
	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal payload %s: %w", e.EventID, err)
		}
		var pageID *string
		if e.PageID != "" {
			pageID = &e.PageID
		}
		batch.Queue(`
			INSERT INTO storybook.telemetry_events
				(event_id, schema_version, session_id, story_id, page_id, event_type, payload, ts_client_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
			ON CONFLICT (event_id) DO NOTHING`,
			e.EventID, e.SchemaVersion, e.SessionID, e.StoryID, pageID, string(e.EventType), string(payload), e.TSClientMS,
		)
	}

	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()

	var accepted []telemetry.Event
	deduped := 0
	for _, e := range events {
		ct, err := br.Exec()
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return nil, 0, fmt.Errorf("insert event %s: %w", e.EventID, err)
		}
		if ct.RowsAffected() == 1 {
			accepted = append(accepted, e)
		} else {
			deduped++
		}
	}
	span.SetAttributes(attribute.Int("accepted", len(accepted)), attribute.Int("deduped", deduped))
	return accepted, deduped, nil
}

// SubmitFeedback records feedback once per session and sets the session status.
func (p *Postgres) SubmitFeedback(ctx context.Context, fb Feedback) error {
	if err := fb.Validate(); err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM storybook.sessions WHERE session_id = $1)`,
		fb.SessionID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: session %s", ErrNotFound, fb.SessionID)
	}

	ct, err := tx.Exec(ctx, `
		INSERT INTO storybook.feedback(session_id, status, try_level, abort_reason, notes)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''))
		ON CONFLICT (session_id) DO NOTHING`,
		fb.SessionID, string(fb.Status), string(fb.TryLevel), string(fb.AbortReason), fb.Notes,
	)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: feedback already submitted for %s", ErrConflict, fb.SessionID)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE storybook.sessions SET status = $2 WHERE session_id = $1`,
		fb.SessionID, string(fb.Status),
	); err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return tx.Commit(ctx)
}

// SessionStats returns the aggregate for a session. A known session with no
// folded events yields an empty aggregate.
func (p *Postgres) SessionStats(ctx context.Context, sessionID string) (stats.Session, error) {
	var body []byte
	err := p.pool.QueryRow(ctx, `
		SELECT stats FROM storybook.session_stats WHERE session_id = $1`,
		sessionID,
	).Scan(&body)
	if err == nil {
		var s stats.Session
		if err := json.Unmarshal(body, &s); err != nil {
			return stats.Session{}, fmt.Errorf("decode stats %s: %w", sessionID, err)
		}
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return stats.Session{}, fmt.Errorf("select stats: %w", err)
	}

	var storyID string
	err = p.pool.QueryRow(ctx, `
		SELECT story_id FROM storybook.sessions WHERE session_id = $1`,
		sessionID,
	).Scan(&storyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return stats.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return stats.Session{}, fmt.Errorf("select session: %w", err)
	}
	return stats.New(sessionID, storyID), nil
}

// ApplyStats folds a batch into session_stats exactly once per batchID.
// It reports false when the batch was already applied.
func (p *Postgres) ApplyStats(ctx context.Context, batchID string, events []telemetry.Event) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "store.ApplyStats",
		attribute.String("batch.id", batchID),
		attribute.Int("batch.size", len(events)),
	)
	defer span.End()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		INSERT INTO storybook.stats_batches(batch_id) VALUES ($1)
		ON CONFLICT (batch_id) DO NOTHING`,
		batchID,
	)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return false, fmt.Errorf("mark batch: %w", err)
	}
	if ct.RowsAffected() == 0 {
		tracing.AddSpanEvent(ctx, "duplicate_batch")
		return false, nil
	}

	for sessionID, delta := range stats.FoldBySession(events) {
		current := stats.New(sessionID, delta.StoryID)
		var body []byte
		err := tx.QueryRow(ctx, `
			SELECT stats FROM storybook.session_stats WHERE session_id = $1 FOR UPDATE`,
			sessionID,
		).Scan(&body)
		switch {
		case err == nil:
			if err := json.Unmarshal(body, &current); err != nil {
				return false, fmt.Errorf("decode stats %s: %w", sessionID, err)
			}
		case !errors.Is(err, pgx.ErrNoRows):
			tracing.SetSpanError(ctx, err)
			return false, fmt.Errorf("select stats %s: %w", sessionID, err)
		}

		merged := stats.Merge(current, delta)
		out, err := json.Marshal(merged)
		if err != nil {
			return false, fmt.Errorf("marshal stats %s: %w", sessionID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO storybook.session_stats(session_id, story_id, stats, updated_at)
			VALUES ($1, $2, $3::jsonb, now())
			ON CONFLICT (session_id) DO UPDATE SET stats = EXCLUDED.stats, updated_at = now()`,
			sessionID, merged.StoryID, string(out),
		); err != nil {
			tracing.SetSpanError(ctx, err)
			return false, fmt.Errorf("upsert stats %s: %w", sessionID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (p *Postgres) InsertDLQ(ctx context.Context, dl pipeline.DeadLetter) error {
	body, err := json.Marshal(dl.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO storybook.dlq(batch_id, reason, last_error, attempt, envelope)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5::jsonb)`,
		dl.Envelope.BatchID, dl.Reason, dl.LastError, dl.Attempt, string(body),
	); err != nil {
		return fmt.Errorf("insert dlq: %w", err)
	}
	return nil
}

const dlqColumns = `id, reason, COALESCE(last_error, ''), attempt, envelope, created_at, replayed_at`

// ListDLQ returns the newest dead letters first.
func (p *Postgres) ListDLQ(ctx context.Context, limit int) ([]pipeline.DLQEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+dlqColumns+`
		FROM storybook.dlq
		ORDER BY created_at DESC, id DESC
		LIMIT $1`,
		dlqLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	defer rows.Close()

	var out []pipeline.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	return out, nil
}

func (p *Postgres) GetDLQ(ctx context.Context, id int64) (pipeline.DLQEntry, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM storybook.dlq WHERE id = $1`, id)
	e, err := scanDLQ(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.DLQEntry{}, fmt.Errorf("%w: dead letter %d", ErrNotFound, id)
	}
	return e, err
}

// MarkDLQReplayed stamps replayed_at once. A second call is a conflict.
func (p *Postgres) MarkDLQReplayed(ctx context.Context, id int64) error {
	ct, err := p.pool.Exec(ctx, `
		UPDATE storybook.dlq SET replayed_at = now()
		WHERE id = $1 AND replayed_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark dlq replayed: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	if _, err := p.GetDLQ(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: dead letter %d already replayed", ErrConflict, id)
}

func scanDLQ(row pgx.Row) (pipeline.DLQEntry, error) {
	var (
		e         pipeline.DLQEntry
		body      []byte
		createdAt time.Time
	)
	if err := row.Scan(&e.ID, &e.Reason, &e.LastError, &e.Attempt, &body, &createdAt, &e.ReplayedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan dlq: %w", err)
	}
	if err := json.Unmarshal(body, &e.Envelope); err != nil {
		return e, fmt.Errorf("decode dlq envelope %d: %w", e.ID, err)
	}
	e.Type = pipeline.DLQType
	e.Version = pipeline.Version
	e.At = createdAt.Format(time.RFC3339Nano)
	return e, nil
}
