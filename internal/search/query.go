package search

import (
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/anurse/pkgsearch/internal/store"
)

// Field boosts.
const (
	BoostID          = 20.0
	BoostTitle       = 7.5
	BoostTags        = 5.0
	BoostDescription = 1.0
	BoostAuthor      = 1.0
)

// DefaultClauses returns the five per-token clauses. fuzziness bounds the
// edit distance of the fuzzy ones.
func DefaultClauses(fuzziness int) []Clause {
	fuzzy := Fuzzy{MaxEdits: fuzziness}
	return []Clause{
		{Field: store.FieldID, Matcher: Exact{}, Boost: BoostID},
		{Field: store.FieldTitle, Matcher: Exact{}, Boost: BoostTitle, Norms: true},
		{Field: store.FieldTags, Matcher: fuzzy, Boost: BoostTags, Norms: true},
		{Field: store.FieldDescription, Matcher: fuzzy, Boost: BoostDescription, Norms: true},
		{Field: store.FieldAuthor, Matcher: Exact{}, Boost: BoostAuthor, Norms: true},
	}
}

// Tokenize lowercases term and splits it on runs of whitespace.
func Tokenize(term string) []string {
	return strings.Fields(strings.ToLower(term))
}

// BuildQuery conjoins one disjunction of clauses per token.
// tokens must not be empty.
func BuildQuery(tokens []string, clauses []Clause) query.Query {
	conj := bleve.NewConjunctionQuery()
	for _, tok := range tokens {
		disj := bleve.NewDisjunctionQuery()
		for _, c := range clauses {
			disj.AddQuery(c.Matcher.Query(c.Field, tok, c.Boost))
		}
		conj.AddQuery(disj)
	}
	return conj
}
