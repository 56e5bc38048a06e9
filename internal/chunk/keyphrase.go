package chunk

import (
	"regexp"
	"sort"
	"strings"
)

// stopWords filters common low-signal words out of key-phrase candidates.
// Reuses the teacher's code-stop-word vocabulary plus ordinary English filler
// words, since chunk content spans both prose and source.
var stopWords = buildStopWordSet()

func buildStopWordSet() map[string]struct{} {
	words := []string{
		"var", "let", "const", "func", "function", "def", "class",
		"return", "if", "else", "for", "while",
		"data", "result", "value", "item", "key", "err", "ctx", "tmp",
		"the", "a", "an", "and", "or", "but", "of", "to", "in", "on",
		"is", "are", "was", "were", "be", "been", "this", "that", "with",
		"as", "by", "it", "its", "from", "at", "not",
	}
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

var wordPattern = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_\-]{2,}`)

// ExtractKeyPhrases scores single- and two-word phrases in content by
// frequency, breaking ties by first occurrence, and returns the top `limit`
// (§4.8.1's aggregation input; per-chunk use here, per-document aggregation in
// AggregateKeyPhrases).
func ExtractKeyPhrases(content string, limit int) []KeyPhrase {
	tokens := tokenize(content)
	if len(tokens) == 0 {
		return nil
	}

	type entry struct {
		count     int
		firstSeen int
	}
	freq := make(map[string]*entry)
	order := make([]string, 0, len(tokens))

	record := func(phrase string, pos int) {
		if e, ok := freq[phrase]; ok {
			e.count++
			return
		}
		freq[phrase] = &entry{count: 1, firstSeen: pos}
		order = append(order, phrase)
	}

	for i, tok := range tokens {
		record(tok, i)
	}
	for i := 0; i+1 < len(tokens); i++ {
		record(tokens[i]+" "+tokens[i+1], i)
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := freq[order[i]], freq[order[j]]
		if a.count != b.count {
			return a.count > b.count
		}
		return a.firstSeen < b.firstSeen
	})

	if limit <= 0 || limit > len(order) {
		limit = len(order)
	}
	maxCount := 1
	if len(order) > 0 {
		maxCount = freq[order[0]].count
	}

	out := make([]KeyPhrase, 0, limit)
	for _, phrase := range order[:limit] {
		out = append(out, KeyPhrase{
			Text:  phrase,
			Score: float64(freq[phrase].count) / float64(maxCount),
		})
	}
	return out
}

func tokenize(content string) []string {
	matches := wordPattern.FindAllString(content, -1)
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		lower := strings.ToLower(m)
		if _, stop := stopWords[lower]; stop {
			continue
		}
		tokens = append(tokens, lower)
	}
	return tokens
}

// AggregateKeyPhrases unions per-chunk key phrases into a document's top-K
// keyword list, scoring by summed frequency with ties broken by first
// occurrence across the supplied chunk order (§4.4 step 5).
func AggregateKeyPhrases(chunks []*Chunk, limit int) []KeyPhrase {
	type entry struct {
		score     float64
		firstSeen int
	}
	agg := make(map[string]*entry)
	order := make([]string, 0)
	pos := 0

	for _, c := range chunks {
		for _, kp := range c.KeyPhrases {
			if e, ok := agg[kp.Text]; ok {
				e.score += kp.Score
			} else {
				agg[kp.Text] = &entry{score: kp.Score, firstSeen: pos}
				order = append(order, kp.Text)
			}
			pos++
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := agg[order[i]], agg[order[j]]
		if a.score != b.score {
			return a.score > b.score
		}
		return a.firstSeen < b.firstSeen
	})

	if limit <= 0 || limit > len(order) {
		limit = len(order)
	}
	out := make([]KeyPhrase, 0, limit)
	for _, text := range order[:limit] {
		out = append(out, KeyPhrase{Text: text, Score: agg[text].score})
	}
	return out
}

// FleschReadingEase computes a standard readability score (higher = easier).
// Used as the chunk/document "readability" field and the query service's
// simple/moderate/technical complexity bucketing (thresholds 70/50, §4.8).
func FleschReadingEase(content string) float64 {
	sentences := countSentences(content)
	words := countWords(content)
	syllables := countSyllables(content)
	if words == 0 || sentences == 0 {
		return 0
	}
	score := 206.835 - 1.015*(float64(words)/float64(sentences)) - 84.6*(float64(syllables)/float64(words))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func countSentences(s string) int {
	count := 0
	for _, r := range s {
		if r == '.' || r == '!' || r == '?' {
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return count
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

var vowelRunes = map[rune]bool{'a': true, 'e': true, 'i': true, 'o': true, 'u': true, 'y': true}

func countSyllables(s string) int {
	total := 0
	for _, word := range strings.Fields(s) {
		total += syllablesInWord(strings.ToLower(word))
	}
	return total
}

func syllablesInWord(word string) int {
	count := 0
	prevVowel := false
	for _, r := range word {
		isVowel := vowelRunes[r]
		if isVowel && !prevVowel {
			count++
		}
		prevVowel = isVowel
	}
	if count == 0 {
		count = 1
	}
	return count
}
