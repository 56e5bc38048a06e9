package query

import (
	"sort"
	"strings"

	"github.com/folder-mcp/daemon/internal/store"
)

// DiverseKeyPhrases implements §4.8.1: given a multiset of (phrase, score)
// groups drawn from many documents, aggregate frequency, sort by frequency
// desc, then greedily select phrases whose whitespace-tokenized words do
// not overlap any already-selected phrase's words, until k are chosen. The
// no-overlap rule is relaxed once fewer than 2 phrases remain to choose
// from, so a folder with few distinct word stems still returns a full list.
func DiverseKeyPhrases(groups []store.KeyPhrase, k int) []store.KeyPhrase {
	type entry struct {
		text  string
		score float64
	}
	agg := make(map[string]*entry)
	order := make([]string, 0, len(groups))
	for _, g := range groups {
		if e, ok := agg[g.Text]; ok {
			e.score += g.Score
		} else {
			agg[g.Text] = &entry{text: g.Text, score: g.Score}
			order = append(order, g.Text)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return agg[order[i]].score > agg[order[j]].score
	})

	if k <= 0 {
		k = len(order)
	}

	var selected []store.KeyPhrase
	usedWords := make(map[string]struct{})

	for _, text := range order {
		if len(selected) >= k {
			break
		}
		words := strings.Fields(strings.ToLower(text))

		overlaps := false
		for _, w := range words {
			if _, ok := usedWords[w]; ok {
				overlaps = true
				break
			}
		}

		// Relax the no-overlap rule once fewer than 2 phrases have been
		// picked so a narrow vocabulary doesn't starve the result.
		if overlaps && len(selected) >= 2 {
			continue
		}

		selected = append(selected, store.KeyPhrase{Text: text, Score: agg[text].score})
		for _, w := range words {
			usedWords[w] = struct{}{}
		}
	}
	return selected
}

// Complexity buckets a folder's average readability into the three labels
// §4.8 describes, thresholds 70/50.
func Complexity(avgReadability float64) string {
	switch {
	case avgReadability >= 70:
		return "simple"
	case avgReadability >= 50:
		return "moderate"
	default:
		return "technical"
	}
}
