// Package output provides consistent CLI output for search results, update
// passes and index status.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	pkgerrors "github.com/anurse/pkgsearch/internal/errors"
	"github.com/anurse/pkgsearch/internal/index"
	"github.com/anurse/pkgsearch/internal/search"
	"github.com/anurse/pkgsearch/internal/ui"
)

// Writer provides formatted output for CLI.
type Writer struct {
	out    io.Writer
	styles ui.Styles
}

// New creates a Writer. Styles are applied only when out is a color terminal.
func New(out io.Writer) *Writer {
	return &Writer{
		out:    out,
		styles: ui.StylesFor(out),
	}
}

// Status prints a status message with an icon.
// Errors from writing are intentionally ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted status message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message with checkmark.
func (w *Writer) Success(msg string) {
	w.Status("✅", w.styles.Success.Render(msg))
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status("⚠️ ", w.styles.Warning.Render(msg))
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status("❌", w.styles.Error.Render(msg))
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// JSON writes v as indented JSON.
func (w *Writer) JSON(v any) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// JSONError writes err as a single JSON object.
func (w *Writer) JSONError(err error) error {
	data, jsonErr := pkgerrors.FormatJSON(err)
	if jsonErr != nil {
		return jsonErr
	}
	_, writeErr := fmt.Fprintf(w.out, "{\"error\":%s}\n", data)
	return writeErr
}

// SearchResults prints ranked results, one "rank. key (score)" line each.
func (w *Writer) SearchResults(query string, results []search.Result) {
	if len(results) == 0 {
		w.Warningf("No packages match %q", query)
		return
	}

	_, _ = fmt.Fprintln(w.out, w.styles.Header.Render(fmt.Sprintf("%d packages match %q", len(results), query)))
	for i, r := range results {
		_, _ = fmt.Fprintf(w.out, "%4d. %s %s\n",
			i+1,
			w.styles.Key.Render(fmt.Sprintf("%d", r.Key)),
			w.styles.Score.Render(fmt.Sprintf("(%.3f)", r.Score)))
	}
}

// UpdateResult summarizes a completed update pass.
func (w *Writer) UpdateResult(r *index.UpdateResult) {
	w.Successf("Index %s complete: %d indexed of %d fetched in %s",
		r.Mode(), r.Indexed, r.Fetched, r.Duration.Round(time.Millisecond))
	w.field("Run", r.RunID)
	w.field("Previous checkpoint", formatCheckpoint(r.PreviousCheckpoint))
	w.field("Checkpoint", formatCheckpoint(r.Checkpoint))
}

// IndexStatus prints the index location, size and checkpoint.
func (w *Writer) IndexStatus(st *index.Status) {
	_, _ = fmt.Fprintln(w.out, w.styles.Header.Render("Package index"))
	w.field("Path", st.Path)
	w.field("Documents", fmt.Sprintf("%d", st.Documents))
	w.field("Checkpoint", formatCheckpoint(st.Checkpoint))
	if st.NeverIndexed() {
		w.Warning("Index has never been updated; run 'pkgsearch update'")
	}
}

func (w *Writer) field(label, value string) {
	_, _ = fmt.Fprintf(w.out, "   %s %s\n", w.styles.Label.Render(label+":"), value)
}

func formatCheckpoint(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
