package confessbot

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand/v2"
	"strings"
	"testing"
)

func TestFindCutPosition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		text      string
		maxLength int
		want      int
	}{
		{
			// the '.' at 11 is below 75% of 15, so the last space wins
			name:      "punctuation below threshold",
			text:      "Hello world. This is a test",
			maxLength: 15,
			want:      12,
		},
		{
			name:      "newline past threshold",
			text:      strings.Repeat("a", 20) + "\nbbbb",
			maxLength: 24,
			want:      20,
		},
		{
			name:      "newline before threshold falls back to space",
			text:      "aa\nbbbbbbbbbbbbb ccccccc",
			maxLength: 20,
			want:      16,
		},
		{
			name:      "punctuation kept in first piece",
			text:      "This is a sentence. And more",
			maxLength: 22,
			want:      19,
		},
		{
			name:      "question mark",
			text:      "Is this a question? Yes it is",
			maxLength: 22,
			want:      19,
		},
		{
			name:      "no break",
			text:      "abcdefghij",
			maxLength: 5,
			want:      5,
		},
		{
			name:      "short text without break",
			text:      "abc",
			maxLength: 10,
			want:      3,
		},
		{
			name:      "counts characters not bytes",
			text:      "ééééé ééééé",
			maxLength: 8,
			want:      5,
		},
		{
			name:      "empty",
			text:      "",
			maxLength: 10,
			want:      0,
		},
		{
			name:      "zero max length",
			text:      "abc",
			maxLength: 0,
			want:      0,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tc.want, findCutPosition(tc.text, tc.maxLength))
			},
		)
	}
}

func TestFindCutPositionBounds(t *testing.T) {
	t.Parallel()

	alphabet := []rune("abcdefgh .!?\né")
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 2000; i++ {
		n := 1 + rng.IntN(300)
		runes := make([]rune, n)
		for j := range runes {
			runes[j] = alphabet[rng.IntN(len(alphabet))]
		}
		maxLength := 1 + rng.IntN(250)

		cut := findCutPosition(string(runes), maxLength)
		require.Greaterf(t, cut, 0, "text=%q max=%d", string(runes), maxLength)
		require.LessOrEqualf(t, cut, maxLength, "text=%q max=%d", string(runes), maxLength)
		require.LessOrEqualf(t, cut, n, "text=%q max=%d", string(runes), maxLength)
	}
}

func TestSplitConfessionSingle(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("a", firstMessageLength)
	parts := splitConfession(content)
	assert.True(t, parts.Single)
	assert.Equal(t, content, parts.First)
	assert.Empty(t, parts.FollowUps)
}

func TestSplitConfessionLong(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("a", 5000)
	parts := splitConfession(content)
	require.False(t, parts.Single)

	assert.Equal(t, 1928, firstMessageLength)
	assert.True(t, strings.HasSuffix(parts.First, continuedSuffix))
	assert.Equal(t, firstMessageLength+runeLen(continuedSuffix), runeLen(parts.First))
	assert.LessOrEqual(t, runeLen(parts.First), discordMaxMessageLength)

	require.Len(t, parts.FollowUps, 2)
	assert.Equal(t, 2000, runeLen(parts.FollowUps[0]))
	assert.Equal(t, 5000-firstMessageLength-2000, runeLen(parts.FollowUps[1]))
}

func TestSplitConfessionKeepsWords(t *testing.T) {
	t.Parallel()

	content := strings.TrimSpace(strings.Repeat("confession ", 500))
	parts := splitConfession(content)
	require.False(t, parts.Single)

	first := strings.TrimSuffix(parts.First, continuedSuffix)
	assert.True(t, strings.HasSuffix(first, "confession"), "first piece should end on a word")

	for _, chunk := range parts.FollowUps {
		assert.LessOrEqual(t, runeLen(chunk), discordMaxMessageLength)
	}
	rebuilt := first + " " + strings.Join(parts.FollowUps, "")
	assert.Equal(t, content, rebuilt)
}

func TestChunkText(t *testing.T) {
	t.Parallel()

	assert.Nil(t, chunkText("", 10))
	assert.Equal(t, []string{"abc"}, chunkText("abc", 10))
	assert.Equal(t, []string{"ab", "cd", "e"}, chunkText("abcde", 2))
	assert.Equal(t, []string{"éé", "é"}, chunkText("ééé", 2))
}

func TestSplitConfessionRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		content   string
		wantCut   int
		sep       string
		followUps int
	}{
		{
			name:      "newline past threshold",
			content:   strings.Repeat("a", 1600) + "\n" + strings.Repeat("b", 1000),
			wantCut:   1600,
			sep:       "\n",
			followUps: 1,
		},
		{
			name:      "exclamation mark",
			content:   strings.Repeat("a", 1500) + "! " + strings.Repeat("b", 900),
			wantCut:   1501,
			sep:       " ",
			followUps: 1,
		},
		{
			name:      "question mark without a following space",
			content:   strings.Repeat("a", 1700) + "?" + strings.Repeat("b", 900),
			wantCut:   1701,
			sep:       "",
			followUps: 1,
		},
		{
			name:      "early newline loses to late punctuation",
			content:   strings.Repeat("a", 100) + "\n" + strings.Repeat("a", 1500) + "!" + strings.Repeat("c", 600),
			wantCut:   1602,
			sep:       "",
			followUps: 1,
		},
		{
			name:      "several follow-ups",
			content:   strings.Repeat("a", 1500) + "\n" + strings.Repeat("b", 4500),
			wantCut:   1500,
			sep:       "\n",
			followUps: 3,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				require.Equal(t, tc.wantCut, findCutPosition(tc.content, firstMessageLength))

				parts := splitConfession(tc.content)
				require.False(t, parts.Single)
				require.True(t, strings.HasSuffix(parts.First, continuedSuffix))
				assert.LessOrEqual(t, runeLen(parts.First), discordMaxMessageLength)
				require.Len(t, parts.FollowUps, tc.followUps)
				for _, chunk := range parts.FollowUps {
					assert.LessOrEqual(t, runeLen(chunk), discordMaxMessageLength)
				}

				head := strings.TrimSuffix(parts.First, continuedSuffix)
				tail := strings.Join(parts.FollowUps, "")
				assert.Equal(t, tc.content[:tc.wantCut], head)
				assert.Equal(t, strings.TrimSpace(tc.content), head+tc.sep+tail)
			},
		)
	}
}
