// Package repo implements the on-disk repository: the reserved metadata
// directory, the per-page record store, the working-file status classifier
// and the baseline diff.
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/mwsync/internal/config"
	"github.com/spf13/afero"
)

const (
	// DirName is the reserved metadata directory at the repository root.
	DirName = ".mw"

	// Version is the on-disk schema tag. Open refuses any other value.
	Version = "mwsync/1"

	versionFile = "version"
	configFile  = "config"
	pagesDir    = "pages"
	sessionFile = "session"
)

var (
	ErrNotARepository         = errors.New("not a mw repository")
	ErrAlreadyInitialized     = errors.New("already in a mw repository")
	ErrIncompatibleRepository = errors.New("mw repository is incompatible")
)

// Repository is a handle on an opened repository root
type Repository struct {
	fs afero.Fs

	// Root is the directory containing the metadata directory.
	Root string
	// Dir is the directory the repository was opened from; explicit file
	// arguments are resolved against it.
	Dir string

	Config *config.Config
}

// Create initializes a new repository in root tracking the given api.php URL
func Create(fs afero.Fs, root, apiURL string) (*Repository, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository root: %w", err)
	}

	meta := filepath.Join(root, DirName)
	exists, err := afero.DirExists(fs, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to check metadata directory: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, root)
	}

	cfg := config.New(apiURL)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := fs.MkdirAll(meta, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}
	if err := afero.WriteFile(fs, filepath.Join(meta, versionFile), []byte(Version), 0644); err != nil {
		return nil, fmt.Errorf("failed to write version: %w", err)
	}
	if err := fs.MkdirAll(filepath.Join(meta, pagesDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create pages directory: %w", err)
	}

	r := &Repository{fs: fs, Root: root, Dir: root, Config: cfg}
	if err := r.SaveConfig(); err != nil {
		return nil, err
	}

	return r, nil
}

// Open locates the repository enclosing startDir by walking up through its
// parents until a metadata directory is found.
func Open(fs afero.Fs, startDir string) (*Repository, error) {
	start, err := filepath.Abs(startDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve start directory: %w", err)
	}

	root, err := findRoot(fs, start)
	if err != nil {
		return nil, err
	}

	meta := filepath.Join(root, DirName)
	version, err := afero.ReadFile(fs, filepath.Join(meta, versionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s has no version file", ErrNotARepository, meta)
		}
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if string(version) != Version {
		return nil, fmt.Errorf("%w: found %q, expected %q", ErrIncompatibleRepository, strings.TrimSpace(string(version)), Version)
	}

	data, err := afero.ReadFile(fs, filepath.Join(meta, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s has no config file", ErrNotARepository, meta)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return nil, err
	}

	return &Repository{fs: fs, Root: root, Dir: start, Config: cfg}, nil
}

// findRoot walks up from dir until it finds the metadata directory or
// reaches the filesystem root
func findRoot(fs afero.Fs, dir string) (string, error) {
	for {
		ok, err := afero.DirExists(fs, filepath.Join(dir, DirName))
		if err != nil {
			return "", fmt.Errorf("failed to check %s: %w", dir, err)
		}
		if ok {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotARepository
		}
		dir = parent
	}
}

// Fs returns the filesystem the repository lives on
func (r *Repository) Fs() afero.Fs {
	return r.fs
}

// MetaDir returns the path of the reserved metadata directory
func (r *Repository) MetaDir() string {
	return filepath.Join(r.Root, DirName)
}

// SessionPath returns where login cookies are persisted
func (r *Repository) SessionPath() string {
	return filepath.Join(r.MetaDir(), sessionFile)
}

// SaveConfig persists the current configuration
func (r *Repository) SaveConfig() error {
	data, err := r.Config.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := writeFileAtomic(r.fs, filepath.Join(r.MetaDir(), configFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Rel returns path relative to the repository root, for display
func (r *Repository) Rel(path string) string {
	rel, err := filepath.Rel(r.Root, path)
	if err != nil {
		return path
	}
	return rel
}

// writeFileAtomic writes data to a temp file next to dst and renames it
// into place
func writeFileAtomic(fs afero.Fs, dst string, data []byte, perm os.FileMode) error {
	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	tmpFile, err := afero.TempFile(fs, filepath.Dir(dst), ".mwsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := fs.Chmod(tmpPath, perm); err != nil {
		return err
	}

	return fs.Rename(tmpPath, dst)
}
