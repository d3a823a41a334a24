// Package canonical turns untrusted filesystem path strings into canonical
// paths: absolute, symlink-resolved, and free of "." and ".." segments.
//
// Allow-list entries and requested paths both pass through Canonicalize, so
// two spellings of the same filesystem object compare equal. Path is a
// distinct type so that only validated values reach membership checks.
package canonical

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPath is returned for any path that cannot be canonicalized.
var ErrInvalidPath = errors.New("invalid path")

// Path is a canonical filesystem path. The zero value is not a valid path.
type Path struct {
	p string
}

// String returns the canonical path as a plain string.
func (p Path) String() string { return p.p }

// IsZero reports whether p is the zero value.
func (p Path) IsZero() bool { return p.p == "" }

// Equal reports whether p and other name the same canonical path.
func (p Path) Equal(other Path) bool { return !p.IsZero() && p.p == other.p }

// Within reports whether p lies strictly below root, compared segment by
// segment. root itself is not within root.
func (p Path) Within(root Path) bool {
	if p.IsZero() || root.IsZero() || p.p == root.p {
		return false
	}
	prefix := root.p
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p.p, prefix)
}

// Canonicalize validates raw and returns its canonical form.
//
// raw must be absolute and must not contain NUL bytes. Segments are resolved
// left to right the way the kernel walks a path: a symlink is replaced by its
// resolved target before any following ".." applies, so "link/.." names the
// parent of the link's target. Once a segment does not exist, the remaining
// segments are appended as written; ".." is not allowed among them. A
// symlink whose target does not exist is rejected, since writing through it
// could land anywhere.
func Canonicalize(raw string) (Path, error) {
	if raw == "" {
		return Path{}, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if strings.IndexByte(raw, 0) >= 0 {
		return Path{}, fmt.Errorf("%w: contains NUL byte", ErrInvalidPath)
	}
	if !filepath.IsAbs(raw) {
		return Path{}, fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, raw)
	}

	current := string(filepath.Separator)
	missing := false
	for _, seg := range strings.Split(raw, string(filepath.Separator)) {
		switch {
		case seg == "" || seg == ".":
			continue
		case missing && seg == "..":
			return Path{}, fmt.Errorf("%w: %q climbs out of a directory that does not exist", ErrInvalidPath, raw)
		case missing:
			current = filepath.Join(current, seg)
			continue
		case seg == "..":
			if err := requireDir(current); err != nil {
				return Path{}, err
			}
			current = filepath.Dir(current)
			continue
		}

		next := filepath.Join(current, seg)
		info, err := os.Lstat(next)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if err := requireDir(current); err != nil {
				return Path{}, err
			}
			missing = true
			current = next
		case err != nil:
			return Path{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
		case info.Mode()&fs.ModeSymlink != 0:
			// current is already resolved, so this only expands the link.
			resolved, err := filepath.EvalSymlinks(next)
			if err != nil {
				return Path{}, fmt.Errorf("%w: resolving %q: %v", ErrInvalidPath, next, err)
			}
			current = resolved
		default:
			current = next
		}
	}

	return Path{p: current}, nil
}

func requireDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %q is not a directory", ErrInvalidPath, path)
	}
	return nil
}

// MustCanonicalize is like Canonicalize but panics on error. Intended for
// tests and static configuration.
func MustCanonicalize(raw string) Path {
	p, err := Canonicalize(raw)
	if err != nil {
		panic(err)
	}
	return p
}
