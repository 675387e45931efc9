// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telegram

import (
	"strings"
	"unicode/utf8"
)

// markdownV2Special lists every character the Bot API requires to be
// escaped outside of entities in MarkdownV2.
const markdownV2Special = "_*[]()~`>#+-=|{}.!\\"

// EscapeMarkdown escapes s for use as literal MarkdownV2 text.
func EscapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(markdownV2Special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FormatText renders the outgoing MarkdownV2 body:
//
//	From: *sender@topic*
//
//	text
//
// The blank line and text are omitted when text is empty.
func FormatText(sender, topic, text string) string {
	out := "From: *" + EscapeMarkdown(sender) + "@" + EscapeMarkdown(topic) + "*"
	if text == "" {
		return out
	}
	return out + "\n\n" + EscapeMarkdown(text)
}

// headerRunes is the visible length of the header and separator once
// Telegram has parsed the entities.
func headerRunes(sender, topic string) int {
	return utf8.RuneCountInString("From: "+sender+"@"+topic) + 2
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// splitRunes cuts s into pieces of at most n runes. It prefers to break
// after a newline in the second half of a piece. An empty s yields one
// empty piece.
func splitRunes(s string, n int) []string {
	if runeLen(s) <= n {
		return []string{s}
	}

	var out []string
	rs := []rune(s)
	for len(rs) > n {
		cut := n
		for i := n - 1; i >= n/2; i-- {
			if rs[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(rs[:cut]))
		rs = rs[cut:]
	}
	if len(rs) > 0 {
		out = append(out, string(rs))
	}
	return out
}
