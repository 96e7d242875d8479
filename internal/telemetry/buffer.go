package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/b55585wy/SGGG/internal/logging"
	"github.com/b55585wy/SGGG/internal/metrics"
	"github.com/b55585wy/SGGG/internal/tracing"
)

const (
	DefaultFlushInterval  = 3 * time.Second
	DefaultFlushThreshold = 20
	DefaultMaxBuffered    = 2000
	DefaultFlushTimeout   = 10 * time.Second
)

type options struct {
	interval     time.Duration
	threshold    int
	maxBuffered  int
	flushTimeout time.Duration
	beacon       Beacon
	now          func() time.Time
	newID        func() string
	logger       *logging.Logger
}

// Option configures a Buffer.
type Option func(*options)

// WithInterval sets the periodic flush interval. Zero or less disables the timer.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithThreshold sets the queue length that triggers a background flush. Zero disables it.
func WithThreshold(n int) Option {
	return func(o *options) { o.threshold = n }
}

// WithMaxBuffered caps the queue; the oldest events are dropped past it. Zero means unbounded.
func WithMaxBuffered(n int) Option {
	return func(o *options) { o.maxBuffered = n }
}

// WithFlushTimeout bounds reporting calls made by the timer and threshold triggers.
func WithFlushTimeout(d time.Duration) Option {
	return func(o *options) { o.flushTimeout = d }
}

// WithBeacon sets the best-effort transport used on teardown.
func WithBeacon(b Beacon) Option {
	return func(o *options) { o.beacon = b }
}

// WithClock overrides the clock used for ts_client_ms.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator overrides event_id generation.
func WithIDGenerator(f func() string) Option {
	return func(o *options) { o.newID = f }
}

func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Buffer batches the telemetry of one reading session and delivers it through
// a Reporter. Teardown leftovers go to the Beacon. A Buffer never returns or
// panics on delivery failure.
type Buffer struct {
	sessionID string
	storyID   string
	reporter  Reporter
	opts      options

	mu       sync.Mutex
	queue    []Event
	closed   bool
	unloaded bool
	pending  bool // threshold flush scheduled and not yet swapped

	// flushMu is held for the whole swap, report and requeue sequence.
	flushMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
	bg       sync.WaitGroup
}

// New creates the buffer for one session and starts its flush timer.
func New(sessionID, storyID string, reporter Reporter, opts ...Option) *Buffer {
	o := options{
		interval:     DefaultFlushInterval,
		threshold:    DefaultFlushThreshold,
		maxBuffered:  DefaultMaxBuffered,
		flushTimeout: DefaultFlushTimeout,
		now:          time.Now,
		newID:        func() string { return uuid.NewString() },
		logger:       logging.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Buffer{
		sessionID: sessionID,
		storyID:   storyID,
		reporter:  reporter,
		opts:      o,
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	if o.interval > 0 {
		go b.loop()
	} else {
		close(b.loopDone)
	}
	return b
}

func (b *Buffer) loop() {
	defer close(b.loopDone)
	ticker := time.NewTicker(b.opts.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			select {
			case <-b.stop:
				return
			default:
			}
			b.timedFlush()
		}
	}
}

func (b *Buffer) timedFlush() {
	ctx := context.Background()
	if b.opts.flushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.flushTimeout)
		defer cancel()
	}
	b.Flush(ctx)
}

// Track appends one event to the tail of the queue. It is a no-op when the
// buffer has no session or story, when payload does not match eventType, or
// after teardown.
func (b *Buffer) Track(eventType EventType, payload Payload, pageID string) {
	if b.sessionID == "" || b.storyID == "" {
		metrics.RecordDropped("no_session", 1, false)
		return
	}
	if payload == nil || payload.EventType() != eventType {
		metrics.RecordDropped("invalid", 1, false)
		b.opts.logger.Plain().WithSession(b.sessionID).
			WithField("event_type", string(eventType)).
			Debug("telemetry payload does not match event type, dropped")
		return
	}

	ev := Event{
		EventID:       b.opts.newID(),
		SchemaVersion: SchemaVersion,
		TSClientMS:    b.opts.now().UnixMilli(),
		SessionID:     b.sessionID,
		StoryID:       b.storyID,
		PageID:        pageID,
		EventType:     eventType,
		Payload:       payload,
	}

	b.mu.Lock()
	if b.closed || b.unloaded {
		b.mu.Unlock()
		metrics.RecordDropped("closed", 1, false)
		return
	}
	b.queue = append(b.queue, ev)
	metrics.RecordTracked(string(eventType))
	overflow := b.trimLocked()
	trigger := b.opts.threshold > 0 && len(b.queue) >= b.opts.threshold && !b.pending
	if trigger {
		b.pending = true
		b.bg.Add(1)
	}
	b.mu.Unlock()

	if overflow > 0 {
		metrics.RecordDropped("overflow", overflow, true)
		b.opts.logger.Plain().WithSession(b.sessionID).
			WithField("dropped", overflow).
			Warn("telemetry queue full, oldest events dropped")
	}
	if trigger {
		go func() {
			defer b.bg.Done()
			b.timedFlush()
		}()
	}
}

// trimLocked drops the oldest events beyond maxBuffered and returns how many.
func (b *Buffer) trimLocked() int {
	max := b.opts.maxBuffered
	if max <= 0 || len(b.queue) <= max {
		return 0
	}
	n := len(b.queue) - max
	b.queue = append([]Event(nil), b.queue[n:]...)
	return n
}

// Flush delivers the queued events as one batch. An empty queue returns
// without calling the reporter. On failure the batch goes back to the front
// of the queue, ahead of anything tracked meanwhile. Concurrent calls run one
// at a time.
func (b *Buffer) Flush(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.pending = false
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "telemetry.flush",
		attribute.String("session.id", b.sessionID),
		attribute.String("story.id", b.storyID),
		attribute.Int("batch.size", len(batch)),
	)
	defer span.End()

	start := time.Now()
	res, err := b.reporter.Report(ctx, batch)
	latency := time.Since(start)

	if err == nil {
		metrics.RecordFlush("delivered", len(batch), latency)
		b.opts.logger.WithContext(ctx).WithSession(b.sessionID).WithStory(b.storyID).
			WithFields(map[string]any{
				"batch_size": len(batch),
				"accepted":   res.Accepted,
				"deduped":    res.Deduped,
				"rejected":   res.Rejected,
			}).
			Debug("telemetry batch delivered")
		return
	}

	tracing.SetSpanError(ctx, err)

	b.mu.Lock()
	teardown := b.closed || b.unloaded
	overflow := 0
	if !teardown {
		requeued := make([]Event, 0, len(batch)+len(b.queue))
		requeued = append(requeued, batch...)
		requeued = append(requeued, b.queue...)
		b.queue = requeued
		overflow = b.trimLocked()
	}
	b.mu.Unlock()

	entry := b.opts.logger.WithContext(ctx).WithSession(b.sessionID).WithStory(b.storyID).
		WithField("batch_size", len(batch)).
		WithError(err)

	if teardown {
		metrics.RecordFlush("beacon", len(batch), latency)
		tracing.AddSpanEvent(ctx, "beacon", attribute.Int("batch.size", len(batch)))
		entry.Warn("telemetry flush failed during teardown, batch sent via beacon")
		b.sendBeacon(batch)
		return
	}

	metrics.RecordFlush("requeued", len(batch), latency)
	if overflow > 0 {
		metrics.RecordDropped("overflow", overflow, true)
	}
	tracing.AddSpanEvent(ctx, "requeued", attribute.Int("batch.size", len(batch)))
	entry.Warn("telemetry flush failed, batch requeued")
}

// Close stops the timer, waits for background flushes and makes a final
// flush. Events that still cannot be delivered are handed to the beacon.
// Track is a no-op afterwards.
func (b *Buffer) Close(ctx context.Context) {
	b.stopTimer()
	<-b.loopDone

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.bg.Wait()
	b.Flush(ctx)

	b.mu.Lock()
	rest := b.queue
	b.queue = nil
	b.mu.Unlock()
	b.sendBeacon(rest)
}

// Unload stops the timer, releases every queued event to the beacon and
// clears the queue. It does not wait for an in-flight flush or for the
// beacon.
func (b *Buffer) Unload() {
	b.stopTimer()

	b.mu.Lock()
	b.unloaded = true
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	b.sendBeacon(batch)
}

// Len returns the number of queued events, excluding a batch in flight.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Buffer) stopTimer() {
	b.stopOnce.Do(func() { close(b.stop) })
}

func (b *Buffer) sendBeacon(batch []Event) {
	if len(batch) == 0 {
		return
	}
	if b.opts.beacon == nil {
		metrics.RecordDropped("unload", len(batch), true)
		b.opts.logger.Plain().WithSession(b.sessionID).
			WithField("dropped", len(batch)).
			Warn("no beacon configured, queued telemetry discarded")
		return
	}
	b.opts.beacon.Send(batch)
	metrics.RecordBeacon(beaconTransport(b.opts.beacon), len(batch))
}

func beaconTransport(b Beacon) string {
	switch b.(type) {
	case *HTTPBeacon:
		return "http"
	case *NSQBeacon:
		return "nsq"
	default:
		return "custom"
	}
}
