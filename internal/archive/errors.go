package archive

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why an archive was rejected or an entry could not be read.
// The string values are part of the HTTP error contract.
type Kind string

const (
	KindCorruptArchive    Kind = "corrupt_archive"
	KindManifestMissing   Kind = "manifest_missing"
	KindMisplacedManifest Kind = "misplaced_manifest"
	KindManifestMalformed Kind = "manifest_malformed"
	KindAppIDMismatch     Kind = "app_id_mismatch"
	KindVerifyKeyMismatch Kind = "verify_key_mismatch"
	KindEntryNotFound     Kind = "entry_not_found"
	KindEntryReadFailed   Kind = "entry_read_failed"
	KindLimitExceeded     Kind = "limit_exceeded"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrCorruptArchive    = &Error{Kind: KindCorruptArchive}
	ErrManifestMissing   = &Error{Kind: KindManifestMissing}
	ErrMisplacedManifest = &Error{Kind: KindMisplacedManifest}
	ErrManifestMalformed = &Error{Kind: KindManifestMalformed}
	ErrAppIDMismatch     = &Error{Kind: KindAppIDMismatch}
	ErrVerifyKeyMismatch = &Error{Kind: KindVerifyKeyMismatch}
	ErrEntryNotFound     = &Error{Kind: KindEntryNotFound}
	ErrEntryReadFailed   = &Error{Kind: KindEntryReadFailed}
	ErrLimitExceeded     = &Error{Kind: KindLimitExceeded}
)

// ErrClosed is the cause of reads against a closed Handle.
var ErrClosed = errors.New("archive handle closed")

// Error is the single failure type of this package. Path is set for
// misplaced manifests and entry failures; Expected and Actual for
// mismatches and limits.
type Error struct {
	Kind     Kind
	Path     string
	Expected string
	Actual   string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	switch e.Kind {
	case KindMisplacedManifest:
		if strings.HasPrefix(e.Path, "./") {
			// what "tar czf out.tgz ." produces
			msg += fmt.Sprintf(": manifest stored as %q, entry names must not start with \"./\"; archive the folder's contents by name rather than \".\"", e.Path)
			break
		}
		msg += fmt.Sprintf(": manifest found at %q, expected at archive root", e.Path)
	case KindAppIDMismatch:
		msg += fmt.Sprintf(": expected app id %q, got %q", e.Expected, e.Actual)
	case KindVerifyKeyMismatch:
		// keys stay out of log lines
		msg += ": verify key does not match"
	case KindLimitExceeded:
		msg += fmt.Sprintf(": limit %s, got %s", e.Expected, e.Actual)
		if e.Path != "" {
			msg += fmt.Sprintf(" (%s)", e.Path)
		}
	default:
		if e.Path != "" {
			msg += fmt.Sprintf(": %s", e.Path)
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare sentinel (Kind only) against any error of that Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Path != "" || t.Expected != "" || t.Actual != "" || t.Err != nil {
		return e == t
	}
	return e.Kind == t.Kind
}

// KindOf returns the Kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, path string, cause error) *Error {
	return &Error{Kind: kind, Path: path, Err: cause}
}

func limitError(what string, limit, got int64, path string) *Error {
	return &Error{
		Kind:     KindLimitExceeded,
		Path:     path,
		Expected: fmt.Sprintf("%s<=%d", what, limit),
		Actual:   fmt.Sprintf("%d", got),
	}
}
