package store

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/single"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
)

const (
	// IdentifierAnalyzerName keeps the whole identifier as one lowercased token.
	IdentifierAnalyzerName = "pkg_identifier"

	// TextAnalyzerName splits on Unicode word boundaries and lowercases.
	// No stop words and no stemming: query tokens are matched as typed.
	TextAnalyzerName = "pkg_text"
)

// createIndexMapping builds the package document mapping.
// Every field is stored so candidates can be rescored outside bleve.
func createIndexMapping() (*mapping.IndexMappingImpl, error) {
	m := bleve.NewIndexMapping()

	err := m.AddCustomAnalyzer(IdentifierAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     single.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add identifier analyzer: %w", err)
	}

	err = m.AddCustomAnalyzer(TextAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add text analyzer: %w", err)
	}

	doc := bleve.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt(FieldKey, storedField(keyword.Name))
	doc.AddFieldMappingsAt(FieldID, storedField(IdentifierAnalyzerName))
	for _, f := range []string{FieldTitle, FieldDescription, FieldTags, FieldAuthor} {
		doc.AddFieldMappingsAt(f, storedField(TextAnalyzerName))
	}

	m.DefaultMapping = doc
	m.DefaultAnalyzer = TextAnalyzerName
	m.StoreDynamic = false
	m.IndexDynamic = false

	return m, nil
}

func storedField(analyzer string) *mapping.FieldMapping {
	fm := bleve.NewTextFieldMapping()
	fm.Analyzer = analyzer
	fm.Store = true
	fm.IncludeInAll = false
	fm.IncludeTermVectors = false
	return fm
}
