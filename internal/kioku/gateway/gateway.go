// Package gateway holds what the chat platform adapters share: the event
// handler signature and outbound message chunking.
package gateway

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// DefaultChunkLimit is the largest message, in characters, sent in one
// piece.
const DefaultChunkLimit = 2000

// Handler receives every message a gateway observes, including the bot's
// own.
type Handler func(ctx context.Context, ev memory.Event)

// Split breaks text into chunks of at most limit characters, preferring
// line breaks, then spaces, and cutting mid-word only when a single word is
// longer than limit. Whitespace at the cut points is dropped. A
// non-positive limit selects DefaultChunkLimit.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}

	var chunks []string
	for utf8.RuneCountInString(text) > limit {
		window := prefixChars(text, limit)
		cut := strings.LastIndexByte(window, '\n')
		if cut <= 0 {
			cut = strings.LastIndexAny(window, " \t")
		}
		if cut <= 0 {
			cut = len(window)
		}
		if chunk := strings.TrimRight(text[:cut], " \t\r\n"); chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimLeft(text[cut:], " \t\r\n")
	}
	if strings.TrimSpace(text) != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// prefixChars returns the first n characters of s.
func prefixChars(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
