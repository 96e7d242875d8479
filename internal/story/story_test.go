package story

import (
	"encoding/json"
	"errors"
	"testing"
)

func sampleDraft() Draft {
	return Draft{
		SchemaVersion: "draft-1.0.0",
		StoryID:       "st_carrot",
		BookMeta:      BookMeta{Title: "Carrot Rocket", ThemeFood: "carrot", StoryType: StoryAdventure, TargetBehaviorLevel: Lv2},
		Pages: []Page{
			{PageNo: 1, PageID: "page-001", BehaviorAnchor: Lv1, Text: "Mia sees a carrot.",
				Interaction: Interaction{Type: InteractionTap, EventKey: "tap_carrot"}},
			{PageNo: 2, PageID: "page-002", BehaviorAnchor: Lv2, Text: "Which way?",
				Interaction: Interaction{Type: InteractionChoice, EventKey: "pick_path"},
				BranchChoices: []BranchChoice{
					{ChoiceID: "forest", Label: "Forest", NextPageID: "page-004"},
					{ChoiceID: "river", Label: "River", NextPageID: "page-003"},
				}},
			{PageNo: 3, PageID: "page-003", BehaviorAnchor: Lv2, Interaction: Interaction{Type: InteractionNone}},
			{PageNo: 4, PageID: "page-004", BehaviorAnchor: Lv3, Interaction: Interaction{Type: InteractionMimic, EventKey: "crunch"}},
		},
		Ending: Ending{PositiveFeedback: "Great job!", NextMicroGoal: "touch a carrot"},
	}
}

func TestDraft_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Draft)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Draft) {}},
		{name: "missing story id", mutate: func(d *Draft) { d.StoryID = "" }, wantErr: true},
		{name: "no pages", mutate: func(d *Draft) { d.Pages = nil }, wantErr: true},
		{name: "empty page id", mutate: func(d *Draft) { d.Pages[0].PageID = "" }, wantErr: true},
		{name: "duplicate page id", mutate: func(d *Draft) { d.Pages[2].PageID = "page-001" }, wantErr: true},
		{name: "bad anchor", mutate: func(d *Draft) { d.Pages[1].BehaviorAnchor = "Lv9" }, wantErr: true},
		{name: "bad interaction", mutate: func(d *Draft) { d.Pages[0].Interaction.Type = "dance" }, wantErr: true},
		{name: "dangling branch", mutate: func(d *Draft) { d.Pages[1].BranchChoices[0].NextPageID = "page-404" }, wantErr: true},
		{name: "empty interaction type allowed", mutate: func(d *Draft) { d.Pages[2].Interaction.Type = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := sampleDraft()
			tt.mutate(&d)
			err := d.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidDraft) {
				t.Errorf("Validate() error = %v, want ErrInvalidDraft", err)
			}
		})
	}
}

func TestDraft_PageIndexAndChoice(t *testing.T) {
	d := sampleDraft()

	if got := d.PageIndex("page-003"); got != 2 {
		t.Errorf("PageIndex(page-003) = %d, want 2", got)
	}
	if got := d.PageIndex("missing"); got != -1 {
		t.Errorf("PageIndex(missing) = %d, want -1", got)
	}

	c, ok := d.Choice(1, "forest")
	if !ok || c.NextPageID != "page-004" {
		t.Errorf("Choice(1, forest) = %+v, %v", c, ok)
	}
	if _, ok := d.Choice(0, "forest"); ok {
		t.Error("Choice(0, forest) found a choice on a page without branches")
	}
	if _, ok := d.Choice(9, "forest"); ok {
		t.Error("Choice out of range returned ok")
	}
}

func TestDraft_JSONFieldNames(t *testing.T) {
	raw := `{"story_id":"st_1","book_meta":{"title":"T","target_behavior_level":"Lv1"},
		"pages":[{"page_no":1,"page_id":"p1","behavior_anchor":"Lv1","text":"hi","image_prompt":"sun",
		"interaction":{"type":"tap","instruction":"tap it","event_key":"tap_sun"},
		"branch_choices":[]}],"ending":{"positive_feedback":"yay","next_micro_goal":"look"}}`

	var d Draft
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if d.Pages[0].Interaction.EventKey != "tap_sun" || d.BookMeta.TargetBehaviorLevel != Lv1 {
		t.Errorf("decoded draft = %+v", d)
	}
}

func TestEnums(t *testing.T) {
	if !StatusCompleted.Valid() || FeedbackStatus("DONE").Valid() {
		t.Error("FeedbackStatus.Valid mismatch")
	}
	if !TrySwallow.Valid() || TryLevel("eat").Valid() {
		t.Error("TryLevel.Valid mismatch")
	}
	if !AbortParentStopped.Valid() || AbortReason("nap").Valid() {
		t.Error("AbortReason.Valid mismatch")
	}
}
