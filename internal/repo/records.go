package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schaermu/mwsync/internal/pagename"
	"github.com/spf13/afero"
)

var ErrNoSuchRecord = errors.New("no record for page")

// Record is the last synchronized state of a page
type Record struct {
	Content string `json:"content"`
	Author  string `json:"author"`
	// Revision is nil for pages added locally and never committed.
	Revision *int64 `json:"revision"`
}

// Committed reports whether the page has ever been synchronized with the wiki
func (rec *Record) Committed() bool {
	return rec.Revision != nil
}

// Rev returns a pointer to a copy of id, for building records
func Rev(id int64) *int64 {
	return &id
}

// RecordPath returns the path of the record file for a page
func (r *Repository) RecordPath(page string) string {
	return filepath.Join(r.MetaDir(), pagesDir, pagename.FileFor(page))
}

// Record loads the stored record for a page
func (r *Repository) Record(page string) (*Record, error) {
	data, err := afero.ReadFile(r.fs, r.RecordPath(page))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchRecord, page)
		}
		return nil, fmt.Errorf("failed to read record for %s: %w", page, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record for %s: %w", page, err)
	}

	return &rec, nil
}

// HasRecord reports whether a record exists for a page
func (r *Repository) HasRecord(page string) (bool, error) {
	return afero.Exists(r.fs, r.RecordPath(page))
}

// SetRecord creates or replaces the record for a page
func (r *Repository) SetRecord(page, content, author string, revision *int64) error {
	data, err := json.Marshal(Record{
		Content:  content,
		Author:   author,
		Revision: revision,
	})
	if err != nil {
		return fmt.Errorf("failed to encode record for %s: %w", page, err)
	}

	if err := writeFileAtomic(r.fs, r.RecordPath(page), data, 0644); err != nil {
		return fmt.Errorf("failed to write record for %s: %w", page, err)
	}
	return nil
}

// DeleteRecord removes the record for a page
func (r *Repository) DeleteRecord(page string) error {
	if err := r.fs.Remove(r.RecordPath(page)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNoSuchRecord, page)
		}
		return fmt.Errorf("failed to delete record for %s: %w", page, err)
	}
	return nil
}

// Records lists every page that has a record, sorted by title
func (r *Repository) Records() ([]string, error) {
	infos, err := afero.ReadDir(r.fs, filepath.Join(r.MetaDir(), pagesDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	pages := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") || !pagename.IsPageFile(info.Name()) {
			continue
		}
		pages = append(pages, pagename.PageFor(info.Name()))
	}
	sort.Strings(pages)

	return pages, nil
}
