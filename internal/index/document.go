package index

import (
	"strings"

	"github.com/anurse/pkgsearch/internal/catalog"
	"github.com/anurse/pkgsearch/internal/store"
)

// NewDocument builds the indexed form of a catalog package.
// Tags become one field instance per whitespace-separated tag; authors keep
// catalog order.
func NewDocument(p catalog.Package) *store.Document {
	return &store.Document{
		Key:         p.Key,
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Tags:        strings.Fields(p.Tags),
		Authors:     append([]string(nil), p.Authors...),
	}
}
