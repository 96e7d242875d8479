// Package story holds the draft model produced by the story generation
// service and the closed vocabularies shared by reader, API and store.
package story

import (
	"errors"
	"fmt"
)

type BehaviorLevel string

const (
	Lv1 BehaviorLevel = "Lv1"
	Lv2 BehaviorLevel = "Lv2"
	Lv3 BehaviorLevel = "Lv3"
)

func (l BehaviorLevel) Valid() bool {
	return l == Lv1 || l == Lv2 || l == Lv3
}

type StoryType string

const (
	StoryAdventure    StoryType = "adventure"
	StoryDailyLife    StoryType = "daily_life"
	StoryFantasy      StoryType = "fantasy"
	StoryAnimalFriend StoryType = "animal_friend"
	StorySuperhero    StoryType = "superhero"
)

type InteractionType string

const (
	InteractionNone        InteractionType = "none"
	InteractionTap         InteractionType = "tap"
	InteractionChoice      InteractionType = "choice"
	InteractionDrag        InteractionType = "drag"
	InteractionMimic       InteractionType = "mimic"
	InteractionRecordVoice InteractionType = "record_voice"
)

func (t InteractionType) Valid() bool {
	switch t {
	case InteractionNone, InteractionTap, InteractionChoice,
		InteractionDrag, InteractionMimic, InteractionRecordVoice:
		return true
	}
	return false
}

// FeedbackStatus is how a reading session ended.
type FeedbackStatus string

const (
	StatusCompleted FeedbackStatus = "COMPLETED"
	StatusAborted   FeedbackStatus = "ABORTED"
)

func (s FeedbackStatus) Valid() bool {
	return s == StatusCompleted || s == StatusAborted
}

// TryLevel is how far the child got with the target food.
type TryLevel string

const (
	TryLook    TryLevel = "look"
	TrySmell   TryLevel = "smell"
	TryTouch   TryLevel = "touch"
	TryLick    TryLevel = "lick"
	TryBite    TryLevel = "bite"
	TryChew    TryLevel = "chew"
	TrySwallow TryLevel = "swallow"
)

func (t TryLevel) Valid() bool {
	switch t {
	case TryLook, TrySmell, TryTouch, TryLick, TryBite, TryChew, TrySwallow:
		return true
	}
	return false
}

type AbortReason string

const (
	AbortBored         AbortReason = "bored"
	AbortScared        AbortReason = "scared"
	AbortDistracted    AbortReason = "distracted"
	AbortParentStopped AbortReason = "parent_stopped"
	AbortTechnical     AbortReason = "technical"
	AbortOther         AbortReason = "other"
)

func (r AbortReason) Valid() bool {
	switch r {
	case AbortBored, AbortScared, AbortDistracted, AbortParentStopped, AbortTechnical, AbortOther:
		return true
	}
	return false
}

type Interaction struct {
	Type        InteractionType `json:"type"`
	Instruction string          `json:"instruction"`
	EventKey    string          `json:"event_key"`
	Ext         map[string]any  `json:"ext,omitempty"`
}

type BranchChoice struct {
	ChoiceID   string `json:"choice_id"`
	Label      string `json:"label"`
	NextPageID string `json:"next_page_id"`
}

type Page struct {
	PageNo         int            `json:"page_no"`
	PageID         string         `json:"page_id"`
	BehaviorAnchor BehaviorLevel  `json:"behavior_anchor"`
	Text           string         `json:"text"`
	ImagePrompt    string         `json:"image_prompt"`
	Interaction    Interaction    `json:"interaction"`
	BranchChoices  []BranchChoice `json:"branch_choices"`
}

type BookMeta struct {
	Title               string        `json:"title"`
	Subtitle            string        `json:"subtitle"`
	ThemeFood           string        `json:"theme_food"`
	StoryType           StoryType     `json:"story_type"`
	TargetBehaviorLevel BehaviorLevel `json:"target_behavior_level"`
	Summary             string        `json:"summary"`
	DesignLogic         string        `json:"design_logic"`
	GlobalVisualStyle   string        `json:"global_visual_style"`
}

type Ending struct {
	PositiveFeedback string `json:"positive_feedback"`
	NextMicroGoal    string `json:"next_micro_goal"`
}

type TelemetrySuggestions struct {
	RecommendedEvents []string `json:"recommended_events"`
}

// Draft is one generated story.
type Draft struct {
	SchemaVersion        string               `json:"schema_version"`
	StoryID              string               `json:"story_id"`
	GeneratedAt          string               `json:"generated_at"`
	BookMeta             BookMeta             `json:"book_meta"`
	Pages                []Page               `json:"pages"`
	Ending               Ending               `json:"ending"`
	TelemetrySuggestions TelemetrySuggestions `json:"telemetry_suggestions"`
}

var ErrInvalidDraft = errors.New("invalid draft")

// Validate checks the structural rules a reader relies on: a story id, at
// least one page, unique page ids, known anchors and interaction types, and
// branch targets that exist.
func (d *Draft) Validate() error {
	if d.StoryID == "" {
		return fmt.Errorf("%w: story_id is required", ErrInvalidDraft)
	}
	if len(d.Pages) == 0 {
		return fmt.Errorf("%w: no pages", ErrInvalidDraft)
	}

	seen := make(map[string]struct{}, len(d.Pages))
	for i, p := range d.Pages {
		if p.PageID == "" {
			return fmt.Errorf("%w: page %d has no page_id", ErrInvalidDraft, i)
		}
		if _, dup := seen[p.PageID]; dup {
			return fmt.Errorf("%w: duplicate page_id %q", ErrInvalidDraft, p.PageID)
		}
		seen[p.PageID] = struct{}{}
		if !p.BehaviorAnchor.Valid() {
			return fmt.Errorf("%w: page %q has behavior_anchor %q", ErrInvalidDraft, p.PageID, p.BehaviorAnchor)
		}
		if p.Interaction.Type != "" && !p.Interaction.Type.Valid() {
			return fmt.Errorf("%w: page %q has interaction type %q", ErrInvalidDraft, p.PageID, p.Interaction.Type)
		}
	}

	for _, p := range d.Pages {
		for _, c := range p.BranchChoices {
			if _, ok := seen[c.NextPageID]; !ok {
				return fmt.Errorf("%w: choice %q on page %q targets unknown page %q",
					ErrInvalidDraft, c.ChoiceID, p.PageID, c.NextPageID)
			}
		}
	}
	return nil
}

// PageIndex returns the position of pageID, or -1.
func (d *Draft) PageIndex(pageID string) int {
	for i, p := range d.Pages {
		if p.PageID == pageID {
			return i
		}
	}
	return -1
}

// Choice returns the branch choice with choiceID on page i.
func (d *Draft) Choice(i int, choiceID string) (BranchChoice, bool) {
	if i < 0 || i >= len(d.Pages) {
		return BranchChoice{}, false
	}
	for _, c := range d.Pages[i].BranchChoices {
		if c.ChoiceID == choiceID {
			return c, true
		}
	}
	return BranchChoice{}, false
}
