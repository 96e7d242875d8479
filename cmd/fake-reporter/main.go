package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/b55585wy/SGGG/internal/config"
	"github.com/b55585wy/SGGG/internal/logging"
	"github.com/b55585wy/SGGG/internal/telemetry"
)

// fakeReporter stands in for the reporting endpoint in local runs and
// end-to-end tests. The first failFirstN report calls fail.
type fakeReporter struct {
	failFirstN int
	failStatus int
	delay      time.Duration
	logger     *logging.Logger

	mu       sync.Mutex
	reqCount int
	seen     map[string]struct{}
}

func newFakeReporter(cfg config.FakeReporter, logger *logging.Logger) *fakeReporter {
	status := cfg.FailStatus
	if status < 400 {
		status = http.StatusServiceUnavailable
	}
	return &fakeReporter{
		failFirstN: cfg.FailFirstN,
		failStatus: status,
		delay:      time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		logger:     logger,
		seen:       make(map[string]struct{}),
	}
}

func (f *fakeReporter) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST "+telemetry.ReportPath, f.handleReport)
	return mux
}

func (f *fakeReporter) handleReport(w http.ResponseWriter, r *http.Request) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	var req struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusUnprocessableEntity)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqCount++
	if f.reqCount <= f.failFirstN {
		f.logger.Plain().WithFields(map[string]any{
			"request": fmt.Sprintf("%d/%d", f.reqCount, f.failFirstN),
			"events":  len(req.Events),
		}).Warn("FAILING report")
		http.Error(w, "temporary failure", f.failStatus)
		return
	}

	var res telemetry.ReportResult
	for _, raw := range req.Events {
		var e telemetry.Event
		if err := json.Unmarshal(raw, &e); err != nil || e.Validate() != nil {
			res.Rejected++
			continue
		}
		if _, dup := f.seen[e.EventID]; dup {
			res.Deduped++
			continue
		}
		f.seen[e.EventID] = struct{}{}
		res.Accepted++
	}

	f.logger.Plain().WithFields(map[string]any{
		"accepted": res.Accepted,
		"deduped":  res.Deduped,
		"rejected": res.Rejected,
	}).Info("report OK")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("fake-reporter")
	f := newFakeReporter(cfg.FakeReporter, logger)

	srv := &http.Server{
		Addr:         cfg.FakeReporter.Port,
		Handler:      f.routes(),
		ReadTimeout:  cfg.FakeReporter.ReadTimeout,
		WriteTimeout: cfg.FakeReporter.WriteTimeout,
		IdleTimeout:  cfg.FakeReporter.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": f.failFirstN,
	}).Info("fake-reporter listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("fake-reporter failed")
	}
}
