package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/spf13/pflag"

	"github.com/b55585wy/SGGG/internal/api"
	"github.com/b55585wy/SGGG/internal/config"
	"github.com/b55585wy/SGGG/internal/logging"
	"github.com/b55585wy/SGGG/internal/pipeline"
	"github.com/b55585wy/SGGG/internal/report"
	"github.com/b55585wy/SGGG/internal/store"
	"github.com/b55585wy/SGGG/internal/story"
	"github.com/b55585wy/SGGG/internal/telemetry"
)

func testDraft(id string) story.Draft {
	return story.Draft{
		StoryID:  id,
		BookMeta: story.BookMeta{Title: "Broccoli Forest"},
		Pages: []story.Page{
			{PageNo: 1, PageID: "p1", BehaviorAnchor: story.Lv1, Text: "Hello",
				Interaction: story.Interaction{Type: story.InteractionTap, EventKey: "tap_tree"}},
			{PageNo: 2, PageID: "p2", BehaviorAnchor: story.Lv2, Text: "Which way?",
				BranchChoices: []story.BranchChoice{
					{ChoiceID: "left", Label: "Left", NextPageID: "p3"},
					{ChoiceID: "right", Label: "Right", NextPageID: "p4"},
				}},
			{PageNo: 3, PageID: "p3", BehaviorAnchor: story.Lv2, Text: "Left path"},
			{PageNo: 4, PageID: "p4", BehaviorAnchor: story.Lv3, Text: "Right path"},
		},
	}
}

// newTestService serves the reporting API from a memory store.
func newTestService(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	srv := report.NewServer(mem, nil, "telemetry",
		report.WithLogger(logging.New("storyctl-test").WithOutput(io.Discard)))
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, mem
}

// executeCommand runs storyctl with args after resetting the persistent flags.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, _, err := executeCommandWithStderr(t, args...)
	return out, err
}

func executeCommandWithStderr(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func TestCheckJQAvailable(t *testing.T) {
	// Depends on the environment; only make sure it does not panic.
	_ = checkJQAvailable()
}

func TestFormatWithJQ(t *testing.T) {
	if !checkJQAvailable() {
		t.Skip("jq not available")
	}
	got, err := formatWithJQ([]byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("formatWithJQ() error = %v", err)
	}
	if !strings.Contains(got, `"a": 1`) {
		t.Errorf("formatWithJQ() = %q", got)
	}
}

func TestPrintOutput(t *testing.T) {
	defer func() { outputJSON, prettyJSON = false, false }()

	tests := []struct {
		name   string
		asJSON bool
		want   string
	}{
		{"human", false, "human text"},
		{"json", true, `"story_id": "st_1"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outputJSON, prettyJSON = tt.asJSON, false
			var buf bytes.Buffer
			printOutput(&buf, api.StoryRegisterResponse{StoryID: "st_1"}, func(w io.Writer) {
				io.WriteString(w, "human text\n")
			})
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output = %q, want it to contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestParseConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		want       any
		wantErr    bool
	}{
		{"server", "http://reader:8000", "http://reader:8000", false},
		{"timeout", "1m", "1m0s", false},
		{"timeout", "soon", nil, true},
		{"json", "yes", true, false},
		{"pretty", "off", false, false},
		{"pretty", "maybe", nil, true},
		{"colour", "blue", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			got, err := parseConfigValue(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseEvents(t *testing.T) {
	ev := `{"event_id":"e1","session_id":"ss_1","story_id":"st_1","event_type":"page_view","payload":{"behavior_anchor":"Lv1"}}`

	for name, raw := range map[string]string{
		"report body": `{"events":[` + ev + `]}`,
		"bare array":  `[` + ev + `]`,
	} {
		t.Run(name, func(t *testing.T) {
			events, err := parseEvents(json.RawMessage(raw))
			if err != nil {
				t.Fatal(err)
			}
			if len(events) != 1 || events[0].EventID != "e1" {
				t.Fatalf("events = %+v", events)
			}
			if _, ok := events[0].Payload.(telemetry.PageView); !ok {
				t.Errorf("payload = %T, want PageView", events[0].Payload)
			}
		})
	}

	if _, err := parseEvents(json.RawMessage(`{"events":[{"event_type":"nope"}]}`)); err == nil {
		t.Error("unknown event type decoded without error")
	}
}

func TestReplay_DedupsSecondRun(t *testing.T) {
	ts, mem := newTestService(t)
	ctx := context.Background()
	if _, err := mem.RegisterStory(ctx, testDraft("st_1"), ""); err != nil {
		t.Fatal(err)
	}
	start, err := mem.StartSession(ctx, "st_1", "tab-1")
	if err != nil {
		t.Fatal(err)
	}

	var events []telemetry.Event
	for i, p := range []telemetry.Payload{
		telemetry.PageView{BehaviorAnchor: "Lv1"},
		telemetry.Interaction{EventKey: "tap", LatencyMS: 300},
		telemetry.PageDwell{DurationMS: 900},
	} {
		events = append(events, telemetry.Event{
			EventID:       "ev-" + string(rune('a'+i)),
			SchemaVersion: telemetry.SchemaVersion,
			TSClientMS:    int64(1000 + i),
			SessionID:     start.SessionID,
			StoryID:       "st_1",
			PageID:        "p1",
			EventType:     p.EventType(),
			Payload:       p,
		})
	}

	timeout = 5 * time.Second
	rep := telemetry.NewHTTPReporter(ts.URL)
	first, err := replay(ctx, rep, events, 2)
	if err != nil {
		t.Fatal(err)
	}
	if first.Accepted != 3 || first.Deduped != 0 {
		t.Errorf("first run = %+v, want 3 accepted", first)
	}
	second, err := replay(ctx, rep, events, 2)
	if err != nil {
		t.Fatal(err)
	}
	if second.Accepted != 0 || second.Deduped != 3 {
		t.Errorf("second run = %+v, want 3 deduped", second)
	}
	if got := len(mem.Events(start.SessionID)); got != 3 {
		t.Errorf("stored %d events, want 3", got)
	}
}

func readOpts() readOptions {
	return readOptions{
		register:    true,
		clientToken: "tab-1",
		choices:     map[string]string{"p2": "right"},
		latency:     400 * time.Millisecond,
		feedback:    true,
		tryLevel:    story.TryLick,
		abortReason: story.AbortBored,
	}
}

func clientConfig() config.Client {
	return config.Client{FlushInterval: 0, FlushAt: 20, MaxBuffered: 2000}
}

func TestSimulateRead_Completes(t *testing.T) {
	ts, mem := newTestService(t)
	client := api.NewClient(ts.URL, api.WithTimeout(5*time.Second))

	sum, err := simulateRead(context.Background(), client, testDraft("st_read"), readOpts(), clientConfig())
	if err != nil {
		t.Fatalf("simulateRead() error = %v", err)
	}
	if sum.Status != story.StatusCompleted || !sum.Feedback {
		t.Errorf("summary = %+v, want completed with feedback", sum)
	}
	// p1 -> p2 -> (right) p4 -> end
	if sum.PagesVisited != 3 {
		t.Errorf("PagesVisited = %d, want 3", sum.PagesVisited)
	}

	events := mem.Events(sum.SessionID)
	if len(events) != sum.Events {
		t.Errorf("stored %d events, tracked %d", len(events), sum.Events)
	}
	counts := map[telemetry.EventType]int{}
	var choice string
	for _, e := range events {
		counts[e.EventType]++
		if b, ok := e.Payload.(telemetry.BranchSelect); ok {
			choice = b.ChoiceID
		}
	}
	if counts[telemetry.EventPageView] != 3 || counts[telemetry.EventStoryComplete] != 1 ||
		counts[telemetry.EventInteraction] != 1 {
		t.Errorf("event counts = %v", counts)
	}
	if choice != "right" {
		t.Errorf("branch choice = %q, want right", choice)
	}
	if status, _ := mem.SessionStatus(sum.SessionID); status != string(story.StatusCompleted) {
		t.Errorf("session status = %q", status)
	}
}

func TestSimulateRead_ExitAfter(t *testing.T) {
	ts, mem := newTestService(t)
	client := api.NewClient(ts.URL, api.WithTimeout(5*time.Second))
	o := readOpts()
	o.exitAfter = 1

	sum, err := simulateRead(context.Background(), client, testDraft("st_exit"), o, clientConfig())
	if err != nil {
		t.Fatalf("simulateRead() error = %v", err)
	}
	if sum.Status != story.StatusAborted || sum.PagesVisited != 1 {
		t.Errorf("summary = %+v, want aborted after 1 page", sum)
	}
	for _, e := range mem.Events(sum.SessionID) {
		if e.EventType == telemetry.EventStoryComplete {
			t.Error("story_complete tracked for an aborted read")
		}
	}
	if status, _ := mem.SessionStatus(sum.SessionID); status != string(story.StatusAborted) {
		t.Errorf("session status = %q", status)
	}
}

func TestSimulateRead_UnknownStory(t *testing.T) {
	ts, _ := newTestService(t)
	client := api.NewClient(ts.URL, api.WithTimeout(5*time.Second))
	o := readOpts()
	o.register = false

	if _, err := simulateRead(context.Background(), client, testDraft("st_missing"), o, clientConfig()); err == nil {
		t.Fatal("expected an error for an unregistered story")
	}
}

type fakeProducer struct {
	mu      sync.Mutex
	topics  []string
	bodies  [][]byte
	stopped bool
}

func (p *fakeProducer) PublishAsync(topic string, body []byte, _ chan *nsq.ProducerTransaction, _ ...interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakeProducer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

func TestSimulateRead_NSQBeaconOnUnload(t *testing.T) {
	prod := &fakeProducer{}
	orig := newNSQProducer
	newNSQProducer = func(addr string) (beaconProducer, error) {
		if addr != "nsqd.test:4150" {
			t.Errorf("nsqd addr = %q", addr)
		}
		return prod, nil
	}
	t.Cleanup(func() { newNSQProducer = orig })

	// Reports fail so every event is still queued at unload.
	mem := store.NewMemory()
	routes := report.NewServer(mem, nil, "telemetry",
		report.WithLogger(logging.New("storyctl-test").WithOutput(io.Discard))).Routes()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == telemetry.ReportPath {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		routes.ServeHTTP(w, r)
	}))
	defer ts.Close()

	o := readOpts()
	o.unload = true
	o.beacon = beaconNSQ
	o.nsqdAddr = "nsqd.test:4150"
	o.beaconTopic = "beacon_test"
	o.logOut = io.Discard
	client := api.NewClient(ts.URL, api.WithTimeout(5*time.Second))

	sum, err := simulateRead(context.Background(), client, testDraft("st_nsq"), o, clientConfig())
	if err != nil {
		t.Fatalf("simulateRead() error = %v", err)
	}
	if len(mem.Events(sum.SessionID)) != 0 {
		t.Error("events reached the report endpoint")
	}

	prod.mu.Lock()
	defer prod.mu.Unlock()
	if !prod.stopped {
		t.Error("producer not stopped")
	}
	if len(prod.bodies) != 1 || prod.topics[0] != "beacon_test" {
		t.Fatalf("published %d bodies to %v, want 1 to beacon_test", len(prod.bodies), prod.topics)
	}
	var req telemetry.ReportRequest
	if err := json.Unmarshal(prod.bodies[0], &req); err != nil {
		t.Fatalf("decode beacon body: %v", err)
	}
	if len(req.Events) != sum.Events {
		t.Errorf("beacon carried %d events, tracked %d", len(req.Events), sum.Events)
	}
	for _, e := range req.Events {
		if e.SessionID != sum.SessionID {
			t.Errorf("event session = %q, want %q", e.SessionID, sum.SessionID)
		}
	}
}

func TestOpenBeacon(t *testing.T) {
	tests := []struct {
		name    string
		beacon  string
		want    string
		wantErr bool
	}{
		{"default is http", "", beaconHTTP, false},
		{"http", beaconHTTP, beaconHTTP, false},
		{"nsq", beaconNSQ, beaconNSQ, false},
		{"unknown", "pigeon", "", true},
	}
	orig := newNSQProducer
	newNSQProducer = func(string) (beaconProducer, error) { return &fakeProducer{}, nil }
	t.Cleanup(func() { newNSQProducer = orig })

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, release, err := openBeacon("http://localhost:1", readOptions{beacon: tt.beacon})
			if (err != nil) != tt.wantErr {
				t.Fatalf("openBeacon() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer release()
			var got string
			switch b.(type) {
			case *telemetry.HTTPBeacon:
				got = beaconHTTP
			case *telemetry.NSQBeacon:
				got = beaconNSQ
			}
			if got != tt.want {
				t.Errorf("beacon = %T, want %s", b, tt.want)
			}
		})
	}
}

func TestTrack_LogsToStderr(t *testing.T) {
	t.Setenv("LOG_LEVEL", "info")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	out, errOut, err := executeCommandWithStderr(t, "--server", ts.URL, "--json", "track",
		"--session", "ss_0123456789abcdef", "--story", "st_1", "--page", "p1",
		"--type", "page_view", "--payload", `{"behavior_anchor":"Lv1"}`)
	if err == nil {
		t.Fatal("expected an error when the report endpoint fails")
	}
	if out != "" {
		t.Errorf("stdout = %q, want empty", out)
	}
	if !strings.Contains(errOut, "telemetry flush failed") {
		t.Errorf("stderr = %q, want the flush failure log", errOut)
	}
}

func TestCommands(t *testing.T) {
	ts, mem := newTestService(t)
	ctx := context.Background()
	if _, err := mem.RegisterStory(ctx, testDraft("st_1"), ""); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand(t, "--server", ts.URL, "--json", "session", "start", "--story", "st_1", "--client-token", "tab-9")
	if err != nil {
		t.Fatalf("session start: %v", err)
	}
	var started map[string]string
	if err := json.Unmarshal([]byte(out), &started); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if started["status"] != store.SessionCreated || !strings.HasPrefix(started["session_id"], "ss_") {
		t.Errorf("session start = %v", started)
	}

	out, err = executeCommand(t, "--server", ts.URL, "feedback", "submit",
		"--session", started["session_id"], "--status", "aborted", "--abort-reason", "scared")
	if err != nil {
		t.Fatalf("feedback submit: %v", err)
	}
	if !strings.Contains(out, "Feedback recorded") {
		t.Errorf("feedback output = %q", out)
	}

	if _, err := executeCommand(t, "--server", ts.URL, "feedback", "submit",
		"--session", started["session_id"], "--status", "ABORTED", "--abort-reason", "scared"); err == nil {
		t.Error("second feedback accepted, want conflict")
	}
	if _, err := executeCommand(t, "--server", ts.URL, "feedback", "submit",
		"--session", started["session_id"], "--status", "DONE"); err == nil {
		t.Error("invalid status accepted")
	}

	out, err = executeCommand(t, "--server", ts.URL, "health")
	if err != nil || !strings.Contains(out, "✓ Service is healthy") {
		t.Errorf("health = %q, %v", out, err)
	}
}

func TestStoryCommands(t *testing.T) {
	ts, mem := newTestService(t)

	path := filepath.Join(t.TempDir(), "draft.json")
	b, err := json.Marshal(testDraft("st_file"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand(t, "story", "validate", path)
	if err != nil || !strings.Contains(out, "valid") {
		t.Errorf("story validate = %q, %v", out, err)
	}

	out, err = executeCommand(t, "--server", ts.URL, "story", "register", path)
	if err != nil {
		t.Fatalf("story register: %v", err)
	}
	if !strings.Contains(out, "st_file") {
		t.Errorf("story register output = %q", out)
	}
	if _, err := mem.GetStory(context.Background(), "st_file"); err != nil {
		t.Errorf("story not stored: %v", err)
	}
}

func TestVersionJSON(t *testing.T) {
	out, err := executeCommand(t, "--json", "version")
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if v["version"] != Version {
		t.Errorf("version = %q, want %q", v["version"], Version)
	}
}

func TestFetchToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if r.URL.Path != "/token" || req["client_id"] != "tablet-1" {
			http.Error(w, "bad", http.StatusUnprocessableEntity)
			return
		}
		_, _ = w.Write([]byte(`{"token":"abc.def.ghi","expires_in":3600,"token_type":"Bearer"}`))
	}))
	defer ts.Close()

	tok, err := fetchToken(context.Background(), ts.Client(), ts.URL+"/", "tablet-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if tok.Token != "abc.def.ghi" || tok.ExpiresIn != 3600 {
		t.Errorf("token = %+v", tok)
	}

	if _, err := fetchToken(context.Background(), ts.Client(), ts.URL, "other", 0); err == nil ||
		!strings.Contains(err.Error(), "422") {
		t.Errorf("err = %v, want HTTP 422", err)
	}
}

func TestDLQCommands(t *testing.T) {
	ts, mem := newTestService(t)
	env := pipeline.NewEnvelope("bt_cli", nil, nil)
	if err := mem.InsertDLQ(context.Background(), pipeline.NewDeadLetter(env, 6, "boom", "max_attempts")); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand(t, "--server", ts.URL, "dlq", "list")
	if err != nil {
		t.Fatalf("dlq list: %v", err)
	}
	if !strings.Contains(out, "bt_cli") || !strings.Contains(out, "max_attempts") {
		t.Errorf("dlq list output = %q", out)
	}

	// The test service has no publisher, so a replay is refused.
	if _, err := executeCommand(t, "--server", ts.URL, "dlq", "replay", "1"); err == nil {
		t.Error("replay without a queue succeeded")
	}
	if _, err := executeCommand(t, "--server", ts.URL, "dlq", "replay", "zero"); err == nil {
		t.Error("invalid id accepted")
	}
}
