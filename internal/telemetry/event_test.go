package telemetry

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEventType_Valid(t *testing.T) {
	for _, et := range []EventType{
		EventPageView, EventPageDwell, EventInteraction,
		EventBranchSelect, EventStoryComplete, EventReadAloudPlay,
	} {
		if !et.Valid() {
			t.Errorf("%s should be valid", et)
		}
	}
	if EventType("page_scroll").Valid() {
		t.Error("page_scroll should not be valid")
	}
}

func TestEvent_MarshalPayloadShapes(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    string
	}{
		{"page_view", PageView{BehaviorAnchor: "Lv1"}, `{"behavior_anchor":"Lv1"}`},
		{"page_dwell", PageDwell{DurationMS: 1500}, `{"duration_ms":1500}`},
		{"interaction", Interaction{EventKey: "tap_star", LatencyMS: 320}, `{"event_key":"tap_star","latency_ms":320}`},
		{"branch_select", BranchSelect{ChoiceID: "forest"}, `{"choice_id":"forest"}`},
		{"story_complete", StoryComplete{CompletionRate: 1}, `{"completion_rate":1}`},
		{"read_aloud_play", ReadAloudPlay{Enabled: true, PageID: "page-002"}, `{"enabled":true,"page_id":"page-002"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Event{EventID: "e", SessionID: "s", StoryID: "st", EventType: tt.payload.EventType(), Payload: tt.payload}
			data, err := json.Marshal(ev)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if !strings.Contains(string(data), `"payload":`+tt.want) {
				t.Errorf("Marshal() = %s, want payload %s", data, tt.want)
			}
			if !strings.Contains(string(data), `"event_type":"`+tt.name+`"`) {
				t.Errorf("Marshal() = %s, missing event_type", data)
			}
		})
	}
}

func TestEvent_PageIDOmittedWhenEmpty(t *testing.T) {
	data, _ := json.Marshal(Event{EventType: EventStoryComplete, Payload: StoryComplete{CompletionRate: 0.5}})
	if strings.Contains(string(data), "page_id\":\"\"") {
		t.Errorf("empty page_id serialized: %s", data)
	}
}

func TestEvent_UnmarshalSelectsPayloadType(t *testing.T) {
	raw := `{"event_id":"e1","schema_version":"telemetry-1.0.0","ts_client_ms":1700000000000,
		"session_id":"ss_1","story_id":"st_1","page_id":"page-003",
		"event_type":"interaction","payload":{"event_key":"drag_apple","latency_ms":875}}`

	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	p, ok := ev.Payload.(Interaction)
	if !ok {
		t.Fatalf("payload type = %T, want Interaction", ev.Payload)
	}
	if p.EventKey != "drag_apple" || p.LatencyMS != 875 {
		t.Errorf("payload = %+v", p)
	}
	if ev.TSClientMS != 1700000000000 || ev.PageID != "page-003" {
		t.Errorf("event = %+v", ev)
	}
}

func TestEvent_UnmarshalErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"unknown type", `{"event_type":"page_scroll","payload":{}}`, ErrUnknownEventType},
		{"payload wrong shape", `{"event_type":"page_dwell","payload":{"duration_ms":"long"}}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ev Event
			err := json.Unmarshal([]byte(tt.raw), &ev)
			if err == nil {
				t.Fatal("Unmarshal() error = nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Unmarshal() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodePayload_AbsentIsZero(t *testing.T) {
	for _, raw := range []json.RawMessage{nil, json.RawMessage("null")} {
		p, err := DecodePayload(EventPageDwell, raw)
		if err != nil {
			t.Fatalf("DecodePayload() error = %v", err)
		}
		if p != (PageDwell{}) {
			t.Errorf("DecodePayload(%q) = %+v, want zero PageDwell", raw, p)
		}
	}
}

func TestEvent_Validate(t *testing.T) {
	valid := Event{
		EventID: "e1", SessionID: "ss_1", StoryID: "st_1",
		EventType: EventBranchSelect, Payload: BranchSelect{ChoiceID: "c1"},
	}

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{"valid", func(*Event) {}, false},
		{"missing event_id", func(e *Event) { e.EventID = "" }, true},
		{"missing session_id", func(e *Event) { e.SessionID = "" }, true},
		{"missing story_id", func(e *Event) { e.StoryID = "" }, true},
		{"unknown type", func(e *Event) { e.EventType = "bogus" }, true},
		{"nil payload", func(e *Event) { e.Payload = nil }, true},
		{"mismatched payload", func(e *Event) { e.Payload = PageView{} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid
			tt.mutate(&ev)
			if err := ev.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
