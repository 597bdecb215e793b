package repo

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/schaermu/mwsync/internal/pagename"
)

// Normalize strips at most one trailing newline. Editors append one on
// save; the wiki stores text without it.
func Normalize(text string) string {
	return strings.TrimSuffix(text, "\n")
}

// Diff returns a unified diff between the stored baseline of page and
// current, or "" when they match. It never modifies the record store.
func (r *Repository) Diff(page, current string) (string, error) {
	rec, err := r.Record(page)
	if err != nil {
		return "", err
	}
	return DiffRecord(page, rec, current), nil
}

// DiffFile diffs a working file against its page's baseline
func (r *Repository) DiffFile(path string) (string, error) {
	current, err := r.ReadWorkingFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", r.Rel(path), err)
	}
	return r.Diff(pagename.PageFor(path), current)
}

// DiffRecord computes the diff between a record and working copy content
func DiffRecord(page string, rec *Record, current string) string {
	from := fmt.Sprintf("a/%s (uncommitted)", page)
	if rec.Committed() {
		from = fmt.Sprintf("a/%s (revision %d)", page, *rec.Revision)
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(rec.Content),
		B:        difflib.SplitLines(Normalize(current)),
		FromFile: from,
		ToFile:   fmt.Sprintf("b/%s (working copy)", page),
		Context:  3,
	}

	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		// only returned by the underlying writer, which is a buffer
		return ""
	}

	return strings.TrimSuffix(text, "\n")
}
