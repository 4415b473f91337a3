package confessbot

import (
	"strings"
)

const (
	discordMaxMessageLength = 2000

	// continuedSuffix ends the first message of a confession that doesn't
	// fit in a single message
	continuedSuffix   = "\n\n*Continued below...*"
	splitSafetyBuffer = 50

	// cutThreshold is the fraction of maxLength a natural break must reach
	// to be used, so the first chunk isn't pathologically short
	cutThreshold = 0.75
)

// firstMessageLength is the longest confession that's published as a
// single message, and the cut limit for the first message otherwise.
var firstMessageLength = discordMaxMessageLength - runeLen(continuedSuffix) - splitSafetyBuffer

// findCutPosition returns the offset (in characters) at which text should
// be cut so the first piece is at most maxLength characters, preferring,
// in order: the last newline, the last '.', '!' or '?' (kept in the
// first piece), then the last space. Newline and punctuation breaks are
// only used when they fall at or past 75% of maxLength. If nothing
// qualifies, the cut is at maxLength (or the end of a shorter text).
//
// The result is always within (0, maxLength] for non-empty text and
// a positive maxLength.
func findCutPosition(text string, maxLength int) int {
	runes := []rune(text)
	if maxLength <= 0 || len(runes) == 0 {
		return 0
	}
	threshold := cutThreshold * float64(maxLength)

	if cut := lastRuneIndex(runes, '\n', maxLength); cut > 0 && float64(cut) >= threshold {
		return cut
	}

	// punctuation is kept in the first piece, so it can be at most
	// maxLength-1 for the cut to stay within maxLength
	for _, p := range []rune{'.', '!', '?'} {
		if cut := lastRuneIndex(runes, p, maxLength-1); cut >= 0 && float64(cut) >= threshold {
			return cut + 1
		}
	}

	if cut := lastRuneIndex(runes, ' ', maxLength); cut > 0 {
		return cut
	}

	return min(maxLength, len(runes))
}

// lastRuneIndex returns the index of the last occurrence of r at or
// before from, or -1.
func lastRuneIndex(runes []rune, r rune, from int) int {
	if from >= len(runes) {
		from = len(runes) - 1
	}
	for i := from; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

// confessionParts is a confession's content laid out as thread messages
type confessionParts struct {
	// Single is true when the content fits in one message, in which case
	// First holds the whole content and the credit is attached to it
	Single bool

	// First is the thread's starter message
	First string

	// FollowUps are sent in order after First
	FollowUps []string
}

// splitConfession lays out content for publication. Content that fits
// in firstMessageLength is returned as a single message. Otherwise the
// first message is cut at a natural break and ends with continuedSuffix,
// and the rest is sliced into discordMaxMessageLength chunks.
func splitConfession(content string) confessionParts {
	if runeLen(content) <= firstMessageLength {
		return confessionParts{Single: true, First: content}
	}

	runes := []rune(content)
	cut := findCutPosition(content, firstMessageLength)

	parts := confessionParts{
		First: strings.TrimSpace(string(runes[:cut])) + continuedSuffix,
	}
	parts.FollowUps = chunkText(
		strings.TrimSpace(string(runes[cut:])),
		discordMaxMessageLength,
	)
	return parts
}

// chunkText slices s into pieces of at most size characters, with no
// boundary search.
func chunkText(s string, size int) []string {
	runes := []rune(s)
	var chunks []string
	for len(runes) > 0 {
		end := min(size, len(runes))
		chunks = append(chunks, string(runes[:end]))
		runes = runes[end:]
	}
	return chunks
}
