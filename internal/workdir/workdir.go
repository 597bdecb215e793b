// Package workdir enumerates the working files of a repository.
package workdir

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/schaermu/mwsync/internal/pagename"
	"github.com/spf13/afero"
)

// ListCandidateFiles returns the files a command should operate on, sorted
// lexicographically. When explicit is non-empty each entry is resolved
// against cwd and returned as given, whatever its extension. Otherwise root
// is walked recursively for tracked page files, skipping the reserved
// directory directly under root.
func ListCandidateFiles(fs afero.Fs, root, cwd, reserved string, explicit []string) ([]string, error) {
	var files []string
	if len(explicit) > 0 {
		files = Resolve(cwd, explicit)
	} else {
		var err error
		files, err = DiscoverFiles(fs, root, reserved)
		if err != nil {
			return nil, err
		}
	}

	sort.Strings(files)
	return files, nil
}

// Resolve turns user-supplied paths into cleaned absolute paths
func Resolve(cwd string, paths []string) []string {
	resolved := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(cwd, p)
		}
		p = filepath.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		resolved = append(resolved, p)
	}
	return resolved
}

// DiscoverFiles finds all page files under root
func DiscoverFiles(fs afero.Fs, root, reserved string) ([]string, error) {
	var files []string
	reservedPath := filepath.Join(root, reserved)

	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			// Only the top-level metadata directory is reserved
			if path == reservedPath {
				return filepath.SkipDir
			}
			return nil
		}

		if pagename.IsPageFile(path) {
			files = append(files, path)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return files, nil
}
