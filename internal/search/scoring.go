package search

import (
	"math"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2"
	blevesearch "github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Matcher is one way a query token can match a field: exact term or
// edit-distance tolerant. It both selects candidates in bleve and scores
// them, so ranking does not depend on bleve's own combinators.
type Matcher interface {
	// Name identifies the strategy in logs and tests.
	Name() string

	// Query returns the bleve query selecting documents whose field holds token.
	Query(field, token string, boost float64) query.Query

	// Score rates how well token matches the analyzed field terms.
	// Zero means no match.
	Score(token string, terms []string) float64
}

// Exact matches a term equal to the token.
type Exact struct{}

// Name implements Matcher.
func (Exact) Name() string { return "exact" }

// Query implements Matcher.
func (Exact) Query(field, token string, boost float64) query.Query {
	q := bleve.NewTermQuery(token)
	q.SetField(field)
	q.SetBoost(boost)
	return q
}

// Score is sqrt of the term frequency.
func (Exact) Score(token string, terms []string) float64 {
	tf := 0
	for _, t := range terms {
		if t == token {
			tf++
		}
	}
	return math.Sqrt(float64(tf))
}

// MinSimilarity is the similarity a fuzzy term must exceed to match.
const MinSimilarity = 0.5

// Fuzzy matches terms within a bounded edit distance of the token.
//
// A term at distance d from the token has similarity 1 - d/min(len) and
// matches when that exceeds MinSimilarity. Its weight rescales the
// similarity onto (0, 1], so an exact hit weighs the same as Exact.
// The edit distance never exceeds MaxEdits or half the token length.
type Fuzzy struct {
	MaxEdits int
}

// Name implements Matcher.
func (Fuzzy) Name() string { return "fuzzy" }

// edits returns the distance bleve is asked to tolerate for token.
func (f Fuzzy) edits(token string) int {
	return min(f.MaxEdits, utf8.RuneCountInString(token)/2)
}

// Query implements Matcher. A token too short for any edit becomes a term query.
func (f Fuzzy) Query(field, token string, boost float64) query.Query {
	edits := f.edits(token)
	if edits == 0 {
		return Exact{}.Query(field, token, boost)
	}
	q := bleve.NewFuzzyQuery(token)
	q.SetFuzziness(edits)
	q.SetField(field)
	q.SetBoost(boost)
	return q
}

// Score is the best weight × sqrt(tf) over the distinct terms in range.
func (f Fuzzy) Score(token string, terms []string) float64 {
	tf := make(map[string]int, len(terms))
	for _, t := range terms {
		tf[t]++
	}

	edits := f.edits(token)
	tokenLen := utf8.RuneCountInString(token)

	best := 0.0
	for term, n := range tf {
		var weight float64
		if term == token {
			weight = 1
		} else {
			if edits == 0 {
				continue
			}
			d := blevesearch.LevenshteinDistance(token, term)
			if d > edits {
				continue
			}
			sim := 1 - float64(d)/float64(min(tokenLen, utf8.RuneCountInString(term)))
			if sim <= MinSimilarity {
				continue
			}
			weight = (sim - MinSimilarity) / (1 - MinSimilarity)
		}
		best = max(best, weight*math.Sqrt(float64(n)))
	}
	return best
}

// Clause is one weighted field match for a query token.
type Clause struct {
	Field   string
	Matcher Matcher
	Boost   float64
	// Norms scales the score by 1/sqrt(number of field terms), so a match in
	// a short field outranks the same match in a long one.
	Norms bool
}

// Score returns the boosted clause score for token against terms.
func (c Clause) Score(token string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	s := c.Matcher.Score(token, terms)
	if s == 0 {
		return 0
	}
	if c.Norms {
		s /= math.Sqrt(float64(len(terms)))
	}
	return s * c.Boost
}

// Scorer combines clauses with disjunction-max per token and sums tokens.
type Scorer struct {
	Clauses []Clause
}

// TokenScore is the strongest clause score for token. A document matches
// the token when it is positive.
func (s *Scorer) TokenScore(token string, fields map[string][]string) float64 {
	best := 0.0
	for _, c := range s.Clauses {
		best = max(best, c.Score(token, fields[c.Field]))
	}
	return best
}

// Score returns the document score and whether every token matched.
func (s *Scorer) Score(tokens []string, fields map[string][]string) (float64, bool) {
	if len(tokens) == 0 {
		return 0, false
	}
	total := 0.0
	for _, tok := range tokens {
		ts := s.TokenScore(tok, fields)
		if ts == 0 {
			return 0, false
		}
		total += ts
	}
	return total, true
}
