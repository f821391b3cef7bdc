package relevance

import (
	"context"
	"math"
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {}, "for": {},
	"from": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {}, "or": {}, "the": {}, "to": {},
	"with": {}, "www": {}, "http": {}, "https": {}, "com": {}, "org": {}, "html": {},
}

// Heuristic is a deterministic keyword-overlap oracle: the score is the
// share of query terms that appear in the text.
type Heuristic struct{}

// Score implements crawler.RelevanceOracle.
func (Heuristic) Score(_ context.Context, query, text string) (int, error) {
	return overlap(Tokens(query), text), nil
}

// ScoreBatch implements crawler.RelevanceOracle.
func (Heuristic) ScoreBatch(_ context.Context, query string, texts []string) ([]int, error) {
	return heuristicBatch(query, texts), nil
}

func heuristicBatch(query string, texts []string) []int {
	terms := Tokens(query)
	out := make([]int, len(texts))
	for i, text := range texts {
		out[i] = overlap(terms, text)
	}
	return out
}

func overlap(terms []string, text string) int {
	if len(terms) == 0 {
		return 0
	}
	have := make(map[string]struct{})
	for _, tok := range Tokens(text) {
		have[tok] = struct{}{}
	}
	matched := 0
	for _, term := range terms {
		if _, ok := have[term]; ok {
			matched++
		}
	}
	return int(math.Round(100 * float64(matched) / float64(len(terms))))
}

// Tokens lowercases s and splits it into distinct alphanumeric terms,
// dropping stopwords and single characters.
func Tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
