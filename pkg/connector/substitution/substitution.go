// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package substitution converts message text between Slack's escaped form
// and the plain form used in Matrix.
package substitution

import (
	"regexp"
	"strings"
)

// Pair is a single literal substitution. SlackForm is what the text looks
// like on Slack, MatrixForm what it looks like on Matrix.
type Pair struct {
	SlackForm  string
	MatrixForm string
}

// DefaultPairs is the escaping table used by the bridge.
//
// Slack -> Matrix substitutions are applied top to bottom, Matrix -> Slack
// substitutions bottom to top. "&amp;" must stay after every pair whose
// replacement involves an ampersand.
var DefaultPairs = []Pair{
	{SlackForm: "&lt;", MatrixForm: "<"},
	{SlackForm: "&gt;", MatrixForm: ">"},
	{SlackForm: "&amp;", MatrixForm: "&"},
}

var shortcodeRe = regexp.MustCompile(`:[^:\s]+:`)

// Table is an immutable, ordered substitution table plus an optional emoji
// index. It is safe for concurrent use.
type Table struct {
	pairs []Pair
	emoji *EmojiIndex
}

// New creates a table from the given pairs. The slice is copied; pairs with
// an empty form on either side are dropped.
func New(pairs []Pair, emoji *EmojiIndex) *Table {
	t := &Table{
		pairs: make([]Pair, 0, len(pairs)),
		emoji: emoji,
	}
	for _, p := range pairs {
		if p.SlackForm == "" || p.MatrixForm == "" {
			continue
		}
		t.pairs = append(t.pairs, p)
	}
	return t
}

// Pairs returns a copy of the table's substitution pairs in declaration order.
func (t *Table) Pairs() []Pair {
	out := make([]Pair, len(t.pairs))
	copy(out, t.pairs)
	return out
}

// ToMatrix converts Slack message text to its Matrix form. Escape pairs run
// first in declaration order, then emoji shortcodes are replaced with their
// glyphs.
func (t *Table) ToMatrix(text string) string {
	for _, p := range t.pairs {
		text = strings.ReplaceAll(text, p.SlackForm, p.MatrixForm)
	}
	if t.emoji != nil && shortcodeRe.MatchString(text) {
		text = t.emoji.Replace(text)
	}
	return text
}

// ToSlack converts Matrix message text to its Slack form. Escape pairs are
// undone in reverse declaration order. Emoji glyphs pass through unchanged.
func (t *Table) ToSlack(text string) string {
	for i := len(t.pairs) - 1; i >= 0; i-- {
		p := t.pairs[i]
		text = strings.ReplaceAll(text, p.MatrixForm, p.SlackForm)
	}
	return text
}

// EmojiCount returns the number of emoji shortcodes the table knows.
func (t *Table) EmojiCount() int {
	if t.emoji == nil {
		return 0
	}
	return t.emoji.Len()
}
