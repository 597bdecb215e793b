package repo

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/schaermu/mwsync/internal/pagename"
	"github.com/schaermu/mwsync/internal/workdir"
	"github.com/spf13/afero"
)

// WorkingPath returns where pull writes the working file for a page
func (r *Repository) WorkingPath(page string) string {
	return filepath.Join(r.Root, pagename.FileFor(page))
}

// CandidateFiles lists the working files a command operates on. See
// workdir.ListCandidateFiles.
func (r *Repository) CandidateFiles(explicit []string) ([]string, error) {
	files, err := workdir.ListCandidateFiles(r.fs, r.Root, r.Dir, DirName, explicit)
	if err != nil {
		return nil, fmt.Errorf("failed to discover working files: %w", err)
	}
	return files, nil
}

// ReadWorkingFile returns the current content of a working file
func (r *Repository) ReadWorkingFile(path string) (string, error) {
	data, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteWorkingFile replaces the content of a working file
func (r *Repository) WriteWorkingFile(path, content string) error {
	if err := writeFileAtomic(r.fs, path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", r.Rel(path), err)
	}
	return nil
}

// RemoveWorkingFile deletes a working file; a missing file is not an error
func (r *Repository) RemoveWorkingFile(path string) error {
	if err := r.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", r.Rel(path), err)
	}
	return nil
}

// Exists reports whether a file exists
func (r *Repository) Exists(path string) (bool, error) {
	return afero.Exists(r.fs, path)
}
