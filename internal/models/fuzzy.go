package models

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fuzzy match tiers, best first.
const (
	tierLabel = iota
	tierAlias
	tierTokens
)

type candidate struct {
	ref     Ref
	labels  []string // normalized model id, display name, provider/model
	aliases []string // normalized aliases
}

type fuzzyMatch struct {
	ref   Ref
	tier  int
	score int
}

// normalizeText folds accents, lower-cases, and collapses separator runs to
// single spaces.
func normalizeText(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	pendingSpace := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

func newCandidate(e Entry, aliases []string) candidate {
	ref := e.Ref()
	c := candidate{ref: ref}
	for _, label := range []string{e.ID, e.Name, ref.String()} {
		if n := normalizeText(label); n != "" {
			c.labels = append(c.labels, n)
		}
	}
	for _, a := range aliases {
		if n := normalizeText(a); n != "" {
			c.aliases = append(c.aliases, n)
		}
	}
	return c
}

// score places a candidate in the best tier it reaches. ok is false when
// the query matches in no tier.
func (c candidate) score(query string, queryTokens []string) (tier, score int, ok bool) {
	if pos := firstIndex(c.labels, query); pos >= 0 {
		return tierLabel, pos, true
	}
	if pos := firstIndex(c.aliases, query); pos >= 0 {
		return tierAlias, pos, true
	}
	if dist, ok := tokenDistance(queryTokens, c.labels); ok {
		return tierTokens, dist, true
	}
	return 0, 0, false
}

func firstIndex(haystacks []string, needle string) int {
	best := -1
	for _, h := range haystacks {
		if i := strings.Index(h, needle); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// tokenDistance sums, for each query token, the smallest edit distance to
// any label token. Every query token must land within max(1, len/3) edits.
func tokenDistance(query []string, labels []string) (int, bool) {
	if len(query) == 0 {
		return 0, false
	}
	var labelTokens []string
	for _, l := range labels {
		labelTokens = append(labelTokens, strings.Fields(l)...)
	}
	total := 0
	for _, q := range query {
		limit := max(1, len([]rune(q))/3)
		best := -1
		for _, lt := range labelTokens {
			d := levenshtein(q, lt)
			if best < 0 || d < best {
				best = d
			}
		}
		if best < 0 || best > limit {
			return 0, false
		}
		total += best
	}
	return total, true
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
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

// rankFuzzy scores every candidate and returns matches ordered by tier,
// score, model id length, then key.
func rankFuzzy(raw string, candidates []candidate) []fuzzyMatch {
	query := normalizeText(raw)
	if query == "" {
		return nil
	}
	tokens := strings.Fields(query)
	var out []fuzzyMatch
	for _, c := range candidates {
		if tier, score, ok := c.score(query, tokens); ok {
			out = append(out, fuzzyMatch{ref: c.ref, tier: tier, score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		if a.score != b.score {
			return a.score < b.score
		}
		if len(a.ref.Model) != len(b.ref.Model) {
			return len(a.ref.Model) < len(b.ref.Model)
		}
		return a.ref.Key() < b.ref.Key()
	})
	return out
}

// tiedAtTop returns the leading matches indistinguishable from the best one.
func tiedAtTop(matches []fuzzyMatch) []fuzzyMatch {
	if len(matches) == 0 {
		return nil
	}
	top := matches[0]
	n := 1
	for n < len(matches) {
		m := matches[n]
		if m.tier != top.tier || m.score != top.score || len(m.ref.Model) != len(top.ref.Model) {
			break
		}
		n++
	}
	return matches[:n]
}
