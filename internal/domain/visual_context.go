package domain

import "github.com/google/uuid"

// VisualContext describes the art style and the visual identity of every
// character and setting in a story. It is created once at story generation
// time and is read-only input to prompt composition; keeping it immutable is
// what makes illustrations consistent across pages.
type VisualContext struct {
	// StyleGuide is a free-text description of the overall art style,
	// e.g. "soft watercolor, warm palette, storybook style".
	StyleGuide string `json:"style_guide"`

	// CharacterDefinitions maps character name to its visual description.
	CharacterDefinitions map[string]string `json:"character_definitions"`

	// SettingDefinitions maps setting name to its visual description.
	SettingDefinitions map[string]string `json:"setting_definitions"`
}

// IsEmpty reports whether the context carries no visual information at all.
func (vc VisualContext) IsEmpty() bool {
	return vc.StyleGuide == "" &&
		len(vc.CharacterDefinitions) == 0 &&
		len(vc.SettingDefinitions) == 0
}

// CollectionVisualContext carries the shared look of a themed collection of
// stories. It is owned by the collection and referenced, never owned, by each
// story's enqueue call. A nil CollectionVisualContext means the story stands
// alone and falls back to per-story consistency.
type CollectionVisualContext struct {
	CollectionID uuid.UUID `json:"collection_id"`

	// SharedCharacters names the subset of the story's characters that recur
	// across the collection and must keep an identical appearance everywhere.
	SharedCharacters []string `json:"shared_characters"`

	UnifiedArtStyle string `json:"unified_art_style"`
	AgeGroup        string `json:"age_group"`

	// RequiresCharacterConsistency gates the global reference task: when
	// false, sequential tasks are admitted without a reference image.
	RequiresCharacterConsistency bool `json:"requires_character_consistency"`

	// AllowsStyleVariation permits stories to soften the unified style.
	AllowsStyleVariation bool `json:"allows_style_variation"`

	SharedProps []string `json:"shared_props"`
}
