// Package pathutil confines user-supplied file paths to known directories.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutside is returned when a path escapes every allowed directory.
var ErrOutside = errors.New("path rejected")

// RedactPath shortens a path to its last two elements for logs and error
// messages.
func RedactPath(path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	parent := filepath.Base(filepath.Dir(cleaned))
	if parent == "." || parent == string(filepath.Separator) {
		return filepath.Base(cleaned)
	}
	return ".../" + parent + "/" + filepath.Base(cleaned)
}

// ValidatePath reports whether path lies inside one of allowedDirs after
// cleaning and symlink resolution. Neither path nor the allowed directories
// need to exist yet.
func ValidatePath(path string, allowedDirs []string) error {
	switch {
	case path == "":
		return fmt.Errorf("%w: empty path", ErrOutside)
	case len(allowedDirs) == 0:
		return fmt.Errorf("%w: no allowed directories", ErrOutside)
	case strings.ContainsRune(path, 0):
		return fmt.Errorf("%w: path contains a null byte", ErrOutside)
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutside, err)
	}
	dir, err := resolve(filepath.Dir(abs))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutside, err)
	}
	resolved := filepath.Join(dir, filepath.Base(abs))

	for _, allowed := range allowedDirs {
		base, err := filepath.Abs(filepath.Clean(allowed))
		if err != nil {
			continue
		}
		if base, err = resolve(base); err != nil {
			continue
		}
		if within(resolved, base) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q is outside the allowed directories", ErrOutside, RedactPath(abs))
}

// resolve evaluates symlinks on the deepest existing ancestor of dir and
// re-appends the rest.
func resolve(dir string) (string, error) {
	if r, err := filepath.EvalSymlinks(dir); err == nil {
		return r, nil
	}
	parent := filepath.Dir(dir)
	if parent == dir {
		return "", fmt.Errorf("cannot resolve %s", RedactPath(dir))
	}
	r, err := resolve(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(r, filepath.Base(dir)), nil
}

func within(path, base string) bool {
	return path == base || strings.HasPrefix(path, base+string(os.PathSeparator))
}
