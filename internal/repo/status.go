package repo

import (
	"errors"
	"fmt"
	"os"

	"github.com/schaermu/mwsync/internal/pagename"
)

// Status is the synchronization state of a working file
type Status int

const (
	Clean Status = iota
	Untracked
	Added
	Modified
	Conflicted
	// Missing marks an explicitly named file that has a record but no
	// longer exists on disk. The recursive scan never produces it.
	Missing
)

// String returns the lower-case status name
func (s Status) String() string {
	switch s {
	case Clean:
		return "clean"
	case Untracked:
		return "untracked"
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Conflicted:
		return "conflicted"
	case Missing:
		return "missing"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Code returns the one-letter marker used in status listings
func (s Status) Code() string {
	switch s {
	case Untracked:
		return "?"
	case Added:
		return "A"
	case Modified:
		return "M"
	case Conflicted:
		return "C"
	case Missing:
		return "!"
	default:
		return " "
	}
}

// Entry is one classified working file
type Entry struct {
	Path   string
	Page   string
	Status Status
}

// StatusList is a scan-ordered list of classified files
type StatusList []Entry

// Map returns the path -> status mapping of the list
func (l StatusList) Map() map[string]Status {
	m := make(map[string]Status, len(l))
	for _, e := range l {
		m[e.Path] = e.Status
	}
	return m
}

// Filter returns the entries whose status is one of statuses
func (l StatusList) Filter(statuses ...Status) StatusList {
	var out StatusList
	for _, e := range l {
		for _, s := range statuses {
			if e.Status == s {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Classify determines the status of a single working file. The checks run
// in a fixed order and the first match wins: no record, conflict marker,
// never committed, content differs, clean.
func (r *Repository) Classify(path string) (Status, error) {
	page := pagename.PageFor(path)

	rec, err := r.Record(page)
	if err != nil {
		if errors.Is(err, ErrNoSuchRecord) {
			return Untracked, nil
		}
		return Clean, err
	}

	conflicted, err := r.Exists(pagename.ConflictPath(path))
	if err != nil {
		return Clean, fmt.Errorf("failed to check conflict marker for %s: %w", r.Rel(path), err)
	}
	if conflicted {
		return Conflicted, nil
	}

	if !rec.Committed() {
		return Added, nil
	}

	current, err := r.ReadWorkingFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Missing, nil
		}
		return Clean, fmt.Errorf("failed to read %s: %w", r.Rel(path), err)
	}

	if DiffRecord(page, rec, current) != "" {
		return Modified, nil
	}

	return Clean, nil
}

// StatusOf scans the working directory (or the explicit files) and
// classifies every candidate. Clean files are included.
func (r *Repository) StatusOf(explicit []string) (StatusList, error) {
	files, err := r.CandidateFiles(explicit)
	if err != nil {
		return nil, err
	}

	list := make(StatusList, 0, len(files))
	for _, path := range files {
		status, err := r.Classify(path)
		if err != nil {
			return nil, err
		}
		list = append(list, Entry{
			Path:   path,
			Page:   pagename.PageFor(path),
			Status: status,
		})
	}

	return list, nil
}
