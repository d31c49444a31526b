package chunking

import (
	"strings"
	"unicode"
)

const minOverlapTokens = 5

// Merge stitches adjacent chunk transcripts, dropping the leading words of
// each transcript that repeat the tail of the text before it. Content outside
// a matched overlap is never removed.
func Merge(transcripts []string, overlapFraction float64) string {
	var merged string
	for i, current := range transcripts {
		if i == 0 {
			merged = current
			continue
		}
		merged = mergePair(merged, current, overlapFraction)
	}
	return strings.TrimRightFunc(merged, unicode.IsSpace)
}

func mergePair(prev, current string, overlapFraction float64) string {
	prevTokens := strings.Fields(prev)
	curTokens := strings.Fields(current)
	if len(prevTokens) == 0 {
		return current
	}
	if len(curTokens) == 0 {
		return prev
	}

	maxOverlap := int(float64(len(prevTokens)) * overlapFraction * 2)
	if maxOverlap < minOverlapTokens {
		maxOverlap = minOverlapTokens
	}
	limit := min(maxOverlap, min(len(prevTokens), len(curTokens)))

	for k := limit; k > 0; k-- {
		if windowsMatch(prevTokens[len(prevTokens)-k:], curTokens[:k]) {
			rest := stripLeadingTokens(current, k)
			if rest == "" {
				return prev
			}
			return strings.TrimRightFunc(prev, unicode.IsSpace) + " " + rest
		}
	}
	return strings.TrimRightFunc(prev, unicode.IsSpace) + " " + strings.TrimLeftFunc(current, unicode.IsSpace)
}

func windowsMatch(a, b []string) bool {
	for i := range a {
		x, y := normalizeToken(a[i]), normalizeToken(b[i])
		if x == y {
			continue
		}
		if Levenshtein(x, y) > 1 {
			return false
		}
	}
	return true
}

// stripLeadingTokens removes the first n whitespace-delimited words of s and
// the whitespace that follows them.
func stripLeadingTokens(s string, n int) string {
	rest := s
	for i := 0; i < n; i++ {
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
		end := strings.IndexFunc(rest, unicode.IsSpace)
		if end < 0 {
			return ""
		}
		rest = rest[end:]
	}
	return strings.TrimLeftFunc(rest, unicode.IsSpace)
}

func normalizeToken(tok string) string {
	var b strings.Builder
	b.Grow(len(tok))
	for _, r := range strings.ToLower(tok) {
		if unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Levenshtein returns the rune-level edit distance between a and b.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
