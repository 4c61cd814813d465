// Package pathutil maps archive entry names onto the local filesystem.
package pathutil

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for entry names that would resolve outside the
// extraction root.
var ErrUnsafePath = errors.New("unsafe archive path")

// HasParentSegments reports whether any slash-separated segment is "..".
func HasParentSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// EntrySegments splits an archive entry name the way the file tree does:
// empty and "." segments are dropped.
func EntrySegments(name string) []string {
	var out []string
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." {
			continue
		}
		out = append(out, seg)
	}
	return out
}

// SafeJoin returns the local path for entry name under root. Names with ".."
// segments, backslashes, drive letters or NUL bytes are rejected, as are
// names with no segments left after cleaning. A leading slash is treated as
// relative to root.
func SafeJoin(root, name string) (string, error) {
	if HasParentSegments(name) || strings.ContainsAny(name, "\\\x00") {
		return "", ErrUnsafePath
	}
	segs := EntrySegments(name)
	if len(segs) == 0 {
		return "", ErrUnsafePath
	}
	if strings.Contains(segs[0], ":") {
		return "", ErrUnsafePath
	}
	return filepath.Join(append([]string{root}, segs...)...), nil
}
