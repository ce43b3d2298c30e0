// Package prompt builds the text prompts sent to the image-generation
// service. Composition is pure: the same narrative excerpt, visual context
// and reference flags always produce the same prompt, which is what makes
// illustration output reproducible enough to test.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/storywright/illustration-api/internal/domain"
)

// Directives included verbatim in every composed prompt. The no-text rule
// exists because generation models habitually letter signs and speech
// bubbles; the anthropomorphism rule keeps animal characters from drifting
// into clothed, bipedal versions of themselves between pages.
const (
	noTextDirective = "IMPORTANT: Do not include any text, letters, numbers, captions or lettering of any kind in the image."

	noAnthropomorphismDirective = "Depict animals exactly as described; do not anthropomorphize them or add human traits beyond what the descriptions state."

	matchReferenceDirective = "Match the appearance of every character precisely to the supplied reference image(s): same faces, proportions, colors and clothing. Depict only the new scene described below."
)

// SequentialInput carries everything needed to compose one page's prompt.
type SequentialInput struct {
	// PageContent is the narrative excerpt of the page being illustrated.
	PageContent string

	PageNumber int
	TotalPages int

	VisualContext domain.VisualContext

	// HasGlobalReference indicates a ready global reference image accompanies
	// the request.
	HasGlobalReference bool

	// HasPreviousIllustration indicates the preceding page's image
	// accompanies the request for continuity.
	HasPreviousIllustration bool

	// Collection is optional; nil falls back to per-story consistency.
	Collection *domain.CollectionVisualContext
}

// Composer builds generation prompts from narrative content and visual
// context. It holds no state and is safe for concurrent use.
type Composer struct{}

// NewComposer creates a new Composer.
func NewComposer() *Composer {
	return &Composer{}
}

// BuildGlobalReferencePrompt composes the prompt for a story's single
// reference illustration: one image depicting every defined character and
// setting, establishing the canonical look all pages must match.
func (c *Composer) BuildGlobalReferencePrompt(
	vc domain.VisualContext,
	storyTitle string,
	collection *domain.CollectionVisualContext,
) string {
	var b strings.Builder

	b.WriteString("Create a single character and setting reference illustration")
	if storyTitle != "" {
		fmt.Fprintf(&b, " for the story %q", storyTitle)
	}
	b.WriteString(".\n\n")

	writeStyleSection(&b, vc, collection)

	if names := sortedKeys(vc.CharacterDefinitions); len(names) > 0 {
		b.WriteString("Depict ALL of the following characters together, each shown clearly and completely:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %s\n", name, vc.CharacterDefinitions[name])
		}
		b.WriteString("\n")
	}

	if names := sortedKeys(vc.SettingDefinitions); len(names) > 0 {
		b.WriteString("Include these settings as backdrop elements:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %s\n", name, vc.SettingDefinitions[name])
		}
		b.WriteString("\n")
	}

	writeCollectionSection(&b, collection)

	b.WriteString(noAnthropomorphismDirective)
	b.WriteString("\n")
	b.WriteString(noTextDirective)

	return b.String()
}

// BuildSequentialPrompt composes the prompt for one page's illustration,
// combining the narrative excerpt, the style guide, the definitions of the
// characters that appear on the page, and reference-matching instructions
// when reference images accompany the request.
func (c *Composer) BuildSequentialPrompt(in SequentialInput) string {
	var b strings.Builder

	if in.TotalPages > 0 {
		fmt.Fprintf(&b, "Illustrate page %d of %d of a children's story.\n\n", in.PageNumber, in.TotalPages)
	} else {
		fmt.Fprintf(&b, "Illustrate page %d of a children's story.\n\n", in.PageNumber)
	}

	writeStyleSection(&b, in.VisualContext, in.Collection)

	if mentioned := charactersOnPage(in.PageContent, in.VisualContext.CharacterDefinitions); len(mentioned) > 0 {
		b.WriteString("Characters appearing in this scene:\n")
		for _, name := range mentioned {
			fmt.Fprintf(&b, "- %s: %s\n", name, in.VisualContext.CharacterDefinitions[name])
		}
		b.WriteString("\n")
	}

	writeCollectionSection(&b, in.Collection)

	if in.HasGlobalReference || in.HasPreviousIllustration {
		b.WriteString(matchReferenceDirective)
		b.WriteString("\n")
		if in.HasPreviousIllustration {
			b.WriteString("The second reference image is the previous page; keep visual continuity with it.\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Scene to depict:\n")
	b.WriteString(in.PageContent)
	b.WriteString("\n\n")

	b.WriteString(noAnthropomorphismDirective)
	b.WriteString("\n")
	b.WriteString(noTextDirective)

	return b.String()
}

// writeStyleSection emits the style guide, preferring the collection's
// unified art style when the collection forbids per-story variation.
// Empty style information is omitted rather than failing.
func writeStyleSection(b *strings.Builder, vc domain.VisualContext, collection *domain.CollectionVisualContext) {
	style := vc.StyleGuide
	if collection != nil && collection.UnifiedArtStyle != "" {
		if style == "" || !collection.AllowsStyleVariation {
			style = collection.UnifiedArtStyle
		}
	}

	if style != "" {
		fmt.Fprintf(b, "Art style: %s\n\n", style)
	}
}

// writeCollectionSection emits collection-wide constraints: shared characters
// that recur across stories, shared props, and the target age group.
func writeCollectionSection(b *strings.Builder, collection *domain.CollectionVisualContext) {
	if collection == nil {
		return
	}

	if len(collection.SharedCharacters) > 0 {
		shared := append([]string(nil), collection.SharedCharacters...)
		sort.Strings(shared)
		fmt.Fprintf(b, "The characters %s recur across this story collection and must look identical in every story.\n",
			strings.Join(shared, ", "))
	}

	if len(collection.SharedProps) > 0 {
		props := append([]string(nil), collection.SharedProps...)
		sort.Strings(props)
		fmt.Fprintf(b, "Recurring props to include where the scene calls for them: %s.\n",
			strings.Join(props, ", "))
	}

	if collection.AgeGroup != "" {
		fmt.Fprintf(b, "Target audience: children aged %s.\n", collection.AgeGroup)
	}

	b.WriteString("\n")
}

// charactersOnPage returns the names of defined characters mentioned in the
// page content, sorted for deterministic output. Matching is a
// case-insensitive substring check; character names in generated stories are
// proper names, which keeps false positives rare.
func charactersOnPage(content string, definitions map[string]string) []string {
	if content == "" || len(definitions) == 0 {
		return nil
	}

	lower := strings.ToLower(content)

	var mentioned []string
	for _, name := range sortedKeys(definitions) {
		if strings.Contains(lower, strings.ToLower(name)) {
			mentioned = append(mentioned, name)
		}
	}

	return mentioned
}

// sortedKeys returns the map's keys in sorted order.
func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
