// Package pagename maps wiki page titles to working file names and back.
package pagename

import (
	"path/filepath"
	"strings"
)

const (
	// Extension is the suffix carried by every tracked working file.
	Extension = ".wiki"

	// ConflictSuffix marks a sibling file left behind by a merge tool when
	// a page needs manual resolution.
	ConflictSuffix = ".mine"
)

var (
	toFile   = strings.NewReplacer(" ", "_", "/", "!")
	fromFile = strings.NewReplacer("!", "/", "_", " ")
)

// ToFilename escapes a page title into a file name stem.
// For example: "Help/Getting started" -> "Help!Getting_started"
func ToFilename(page string) string {
	return toFile.Replace(page)
}

// FromFilename reverses ToFilename.
func FromFilename(name string) string {
	return fromFile.Replace(name)
}

// FileFor returns the working file name (without directory) for a page.
func FileFor(page string) string {
	return ToFilename(page) + Extension
}

// PageFor derives the page title from a working file path. Only the base
// name is significant, so files in subdirectories map to the same title as
// files at the repository root.
func PageFor(path string) string {
	return FromFilename(strings.TrimSuffix(filepath.Base(path), Extension))
}

// IsPageFile returns true if the path carries the tracked extension
func IsPageFile(path string) bool {
	return filepath.Ext(path) == Extension
}

// ConflictPath returns the conflict marker path for a working file.
func ConflictPath(path string) string {
	return strings.TrimSuffix(path, Extension) + ConflictSuffix
}
