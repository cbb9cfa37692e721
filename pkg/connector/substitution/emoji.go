// Copyright 2024-2026 Aiku AI

package substitution

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
)

// DefaultAliases maps shortcodes that Slack understands but the emoji dataset
// does not to the shortcode whose glyph they reuse.
var DefaultAliases = map[string]string{
	"simple_smile": "smile",
}

// EmojiIndex maps ":shortcode:" tokens to a single Unicode glyph. It is
// read-only once built.
type EmojiIndex struct {
	glyphs map[string]string
}

// EmojiIndexBuilder collects shortcodes before the index is frozen.
type EmojiIndexBuilder struct {
	glyphs map[string]string
}

// NewEmojiIndexBuilder returns an empty builder.
func NewEmojiIndexBuilder() *EmojiIndexBuilder {
	return &EmojiIndexBuilder{glyphs: make(map[string]string)}
}

// AddUnified registers a shortcode (without colons) for a unified codepoint
// string such as "1f609". Multi-codepoint sequences ("1f1e6-1f1e8") are
// skipped, since they do not map to a single glyph.
func (b *EmojiIndexBuilder) AddUnified(shortName, unified string) bool {
	if shortName == "" || unified == "" || strings.Contains(unified, "-") {
		return false
	}
	cp, err := strconv.ParseUint(unified, 16, 32)
	if err != nil {
		return false
	}
	b.glyphs[":"+shortName+":"] = string(rune(cp))
	return true
}

// AddGlyph registers a shortcode (without colons) for a literal glyph.
func (b *EmojiIndexBuilder) AddGlyph(shortName, glyph string) {
	if shortName == "" || glyph == "" {
		return
	}
	b.glyphs[":"+shortName+":"] = glyph
}

// AddMattermostEmojis registers every single-codepoint entry of Mattermost's
// system emoji table. It returns the number of entries added.
func (b *EmojiIndexBuilder) AddMattermostEmojis() int {
	added := 0
	for name, unified := range model.SystemEmojis {
		if b.AddUnified(name, unified) {
			added++
		}
	}
	return added
}

// emojiDataEntry is one record of an iamcal emoji-data emoji.json file.
type emojiDataEntry struct {
	Unified    string   `json:"unified"`
	ShortNames []string `json:"short_names"`
}

// AddEmojiData registers the entries of an emoji-data emoji.json document.
func (b *EmojiIndexBuilder) AddEmojiData(r io.Reader) (int, error) {
	var entries []emojiDataEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return 0, fmt.Errorf("failed to decode emoji data: %w", err)
	}
	added := 0
	for _, e := range entries {
		for _, name := range e.ShortNames {
			if b.AddUnified(name, strings.ToLower(e.Unified)) {
				added++
			}
		}
	}
	return added, nil
}

// Build resolves aliases into existing entries and freezes the index.
// Aliases whose target is unknown are ignored.
func (b *EmojiIndexBuilder) Build(aliases map[string]string) *EmojiIndex {
	glyphs := make(map[string]string, len(b.glyphs)+len(aliases))
	for k, v := range b.glyphs {
		glyphs[k] = v
	}
	for alias, target := range aliases {
		if glyph, ok := b.glyphs[":"+target+":"]; ok {
			glyphs[":"+alias+":"] = glyph
		}
	}
	return &EmojiIndex{glyphs: glyphs}
}

// DefaultEmojiIndex builds the index from Mattermost's system emoji table and
// the default aliases.
func DefaultEmojiIndex() *EmojiIndex {
	b := NewEmojiIndexBuilder()
	b.AddMattermostEmojis()
	return b.Build(DefaultAliases)
}

// Len returns the number of shortcodes in the index.
func (idx *EmojiIndex) Len() int {
	return len(idx.glyphs)
}

// Lookup returns the glyph for a ":shortcode:" token.
func (idx *EmojiIndex) Lookup(token string) (string, bool) {
	glyph, ok := idx.glyphs[token]
	return glyph, ok
}

// Replace substitutes every known ":shortcode:" in text with its glyph.
//
// Tokens are matched left to right: from each colon, the candidate runs to the
// next colon. An unknown candidate is kept literally and its closing colon is
// reused as the opening colon of the next candidate, so ":k:wink:" becomes
// ":k" followed by the glyph for ":wink:".
func (idx *EmojiIndex) Replace(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	i := 0
	for i < len(text) {
		start := strings.IndexByte(text[i:], ':')
		if start < 0 {
			break
		}
		start += i
		end := strings.IndexByte(text[start+1:], ':')
		if end < 0 {
			break
		}
		end += start + 1
		sb.WriteString(text[i:start])
		if glyph, ok := idx.glyphs[text[start:end+1]]; ok {
			sb.WriteString(glyph)
			i = end + 1
		} else {
			sb.WriteString(text[start:end])
			i = end
		}
	}
	sb.WriteString(text[i:])
	return sb.String()
}
