// Package store owns the on-disk package index: the bleve index holding one
// document per package identifier, its field mapping, the update checkpoint
// marker and the process lock over the data directory.
package store

import (
	"strconv"
	"strings"
)

// Indexed field names.
const (
	FieldKey         = "Key"
	FieldID          = "Id"
	FieldTitle       = "Title"
	FieldDescription = "Description"
	FieldTags        = "Tags"
	FieldAuthor      = "Author"
)

// ScoredFields are the stored fields a search needs to rescore a candidate.
var ScoredFields = []string{FieldKey, FieldID, FieldTitle, FieldDescription, FieldTags, FieldAuthor}

// Document is the indexed form of one package version.
type Document struct {
	Key         int
	ID          string
	Title       string
	Description string
	Tags        []string
	Authors     []string
}

// DocID is the bleve document ID: the identifier lowercased, so two
// spellings of the same identifier collapse onto one document.
func (d *Document) DocID() string {
	return strings.ToLower(d.ID)
}

// fields returns the map bleve indexes. Title is omitted when empty and
// Tags/Author when they have no instances.
func (d *Document) fields() map[string]interface{} {
	m := map[string]interface{}{
		FieldKey:         strconv.Itoa(d.Key),
		FieldID:          d.ID,
		FieldDescription: d.Description,
	}
	if d.Title != "" {
		m[FieldTitle] = d.Title
	}
	if len(d.Tags) > 0 {
		m[FieldTags] = d.Tags
	}
	if len(d.Authors) > 0 {
		m[FieldAuthor] = d.Authors
	}
	return m
}

// Hit is one matched document with its requested stored fields.
type Hit struct {
	ID     string
	Fields map[string]interface{}
}

// Values returns every stored instance of field. bleve returns a single
// instance as a string and several as []interface{}.
func (h *Hit) Values(field string) []string {
	switch v := h.Fields[field].(type) {
	case string:
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

// Key parses the stored Key field.
func (h *Hit) Key() (int, bool) {
	vals := h.Values(FieldKey)
	if len(vals) != 1 {
		return 0, false
	}
	k, err := strconv.Atoi(vals[0])
	if err != nil {
		return 0, false
	}
	return k, true
}
