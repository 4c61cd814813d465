package archive

import (
	"bytes"
	"context"
	"errors"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/keithlinneman/buildgate/internal/pathutil"
)

// ContentKind is how an entry's bytes are presented.
type ContentKind string

const (
	ContentText   ContentKind = "text"
	ContentImage  ContentKind = "image"
	ContentBinary ContentKind = "binary"
)

const textMIME = "text/plain; charset=utf-8"

var imageExts = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true, "svg": true,
}

var textExts = map[string]bool{
	"txt": true, "json": true, "js": true, "jsx": true, "ts": true, "tsx": true,
	"css": true, "html": true, "md": true, "xml": true, "yml": true, "yaml": true,
	"env": true, "config": true,
}

// Classify picks the content kind from the file extension. Image extensions
// take precedence; a name without an extension is text.
func Classify(p string) ContentKind {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(path.Base(p)), "."))
	switch {
	case imageExts[ext]:
		return ContentImage
	case ext == "" || textExts[ext]:
		return ContentText
	default:
		return ContentBinary
	}
}

// Material is the inflated content of one entry. Name is the last path
// segment as shown in the tree. Text carries the decoded string; Image and
// Binary carry Data and a sniffed MIME type.
type Material struct {
	Name string
	Path string
	Kind ContentKind
	Text string
	Data []byte
	MIME string
	Size int64
}

// Open inflates and classifies the file at p. Failures are
// KindEntryNotFound when the path is not a file in h, otherwise
// KindEntryReadFailed. A failure never affects other entries.
func (h *Handle) Open(ctx context.Context, p string) (*Material, error) {
	data, err := h.ReadFile(ctx, p)
	if err != nil {
		return nil, err
	}

	m := &Material{Name: baseName(p), Path: p, Kind: Classify(p), Size: int64(len(data))}
	if m.Kind == ContentText {
		m.Text = decodeText(data)
		m.MIME = textMIME
		return m, nil
	}
	m.Data = data
	m.MIME = mimetype.Detect(data).String()
	return m, nil
}

// ReadFile returns the raw inflated bytes of the file at p, with the same
// failure kinds as Open.
func (h *Handle) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if !h.HasFile(p) {
		if h.Closed() {
			return nil, newError(KindEntryReadFailed, p, ErrClosed)
		}
		return nil, newError(KindEntryNotFound, p, nil)
	}

	data, err := h.readFile(ctx, p, h.limits.MaxEntryBytes)
	switch {
	case errors.Is(err, errNoSuchFile):
		return nil, newError(KindEntryNotFound, p, nil)
	case errors.Is(err, errTooLarge):
		return nil, newError(KindEntryReadFailed, p,
			limitError("entry_bytes", h.limits.MaxEntryBytes, h.limits.MaxEntryBytes+1, p))
	case err != nil:
		return nil, newError(KindEntryReadFailed, p, err)
	}
	return data, nil
}

// Open materializes a file node from the tree built over h's entries.
func Open(ctx context.Context, h *Handle, n *Node) (*Material, error) {
	if n == nil || n.Kind != NodeFile {
		p := ""
		if n != nil {
			p = n.Path
		}
		return nil, newError(KindEntryNotFound, p, nil)
	}
	return h.Open(ctx, n.Path)
}

func baseName(p string) string {
	segs := pathutil.EntrySegments(p)
	if len(segs) == 0 {
		return p
	}
	return segs[len(segs)-1]
}

// decodeText strips a UTF-8 BOM and replaces each invalid byte with U+FFFD.
func decodeText(b []byte) string {
	b = bytes.TrimPrefix(b, utf8BOM)
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(b[:size])
		}
		b = b[size:]
	}
	return sb.String()
}
