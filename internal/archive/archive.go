// internal/archive/archive.go
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/keithlinneman/buildgate/internal/cryptoutil"
	"github.com/keithlinneman/buildgate/internal/pathutil"
)

// Format identifies the container encoding of a build archive.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
)

const (
	DefaultMaxArchiveBytes int64 = 512 << 20
	DefaultMaxEntries            = 50000
	DefaultMaxEntryBytes   int64 = 256 << 20
	DefaultMaxTotalBytes   int64 = 2 << 30
	DefaultMaxInflateRatio       = 100

	// small archives may always inflate this far regardless of ratio
	minInflateBudget int64 = 16 << 20
)

// Limits bound what Decode and entry reads will accept. Zero fields take the
// package defaults.
type Limits struct {
	MaxArchiveBytes int64
	MaxEntries      int
	MaxEntryBytes   int64
	// MaxTotalBytes bounds the sum of declared uncompressed entry sizes.
	MaxTotalBytes int64
	// MaxInflateRatio bounds the declared uncompressed total relative to
	// the archive size.
	MaxInflateRatio int
}

func (l Limits) withDefaults() Limits {
	if l.MaxArchiveBytes <= 0 {
		l.MaxArchiveBytes = DefaultMaxArchiveBytes
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = DefaultMaxEntries
	}
	if l.MaxEntryBytes <= 0 {
		l.MaxEntryBytes = DefaultMaxEntryBytes
	}
	if l.MaxTotalBytes <= 0 {
		l.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if l.MaxInflateRatio <= 0 {
		l.MaxInflateRatio = DefaultMaxInflateRatio
	}
	return l
}

// inflateBudget is the most uncompressed content an archive of size bytes
// may declare.
func (l Limits) inflateBudget(size int64) int64 {
	ratio := int64(l.MaxInflateRatio)
	if size > l.MaxTotalBytes/ratio {
		return l.MaxTotalBytes
	}
	return min(max(size*ratio, minInflateBudget), l.MaxTotalBytes)
}

// Entry is one record of the container listing. Directory records keep
// their trailing slash.
type Entry struct {
	Path string `json:"path"`
	Size int64  `json:"size_bytes"`
}

// IsDir reports whether the entry is a directory record.
func (e Entry) IsDir() bool { return strings.HasSuffix(e.Path, "/") }

// Handle is a decoded archive. It is immutable after Decode and safe for
// concurrent reads until Close.
type Handle struct {
	format  Format
	digest  string
	size    int64
	limits  Limits
	entries []Entry

	mu     sync.RWMutex
	closed bool
	// path -> last zip record with that path
	zfiles map[string]*zip.File
	// path -> content of the last tar record with that path
	tfiles map[string][]byte
}

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	gzipMagic     = []byte{0x1f, 0x8b}
)

func detectFormat(data []byte) (Format, bool) {
	switch {
	case bytes.HasPrefix(data, zipMagic), bytes.HasPrefix(data, zipEmptyMagic):
		return FormatZip, true
	case bytes.HasPrefix(data, gzipMagic):
		return FormatTarGz, true
	default:
		return "", false
	}
}

// Decode parses data as a zip or gzip-compressed tar container. Entry
// contents are not inflated for zip; tar.gz is extracted to memory since a
// tar stream cannot be read out of order.
func Decode(data []byte, limits Limits) (*Handle, error) {
	return decode(data, limits, nil)
}

// decode runs precheck against the complete listing before any entry
// content is retained.
func decode(data []byte, limits Limits, precheck func([]Entry) error) (*Handle, error) {
	limits = limits.withDefaults()
	if int64(len(data)) > limits.MaxArchiveBytes {
		return nil, limitError("archive_bytes", limits.MaxArchiveBytes, int64(len(data)), "")
	}

	format, ok := detectFormat(data)
	if !ok {
		return nil, newError(KindCorruptArchive, "", errors.New("unrecognized container format"))
	}

	h := &Handle{
		format: format,
		digest: cryptoutil.SHA256Hex(data),
		size:   int64(len(data)),
		limits: limits,
	}

	var err error
	switch format {
	case FormatZip:
		err = h.decodeZip(data, precheck)
	case FormatTarGz:
		err = h.decodeTarGz(data, precheck)
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handle) decodeZip(data []byte, precheck func([]Entry) error) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return newError(KindCorruptArchive, "", fmt.Errorf("open zip: %w", err))
	}
	if len(zr.File) > h.limits.MaxEntries {
		return limitError("entries", int64(h.limits.MaxEntries), int64(len(zr.File)), "")
	}

	h.entries = make([]Entry, 0, len(zr.File))
	h.zfiles = make(map[string]*zip.File, len(zr.File))
	budget := h.limits.inflateBudget(h.size)
	var total int64
	for _, f := range zr.File {
		if err := checkEntryPath(f.Name); err != nil {
			return err
		}
		size := int64(f.UncompressedSize64)
		if size < 0 || size > h.limits.MaxEntryBytes {
			return limitError("entry_bytes", h.limits.MaxEntryBytes, size, f.Name)
		}
		total += size
		if total > budget {
			return limitError("total_bytes", budget, total, "")
		}
		h.entries = append(h.entries, Entry{Path: f.Name, Size: size})
		if !strings.HasSuffix(f.Name, "/") {
			h.zfiles[f.Name] = f
		}
	}
	if precheck != nil {
		return precheck(h.entries)
	}
	return nil
}

// decodeTarGz reads the stream twice: once for headers only, then again to
// keep file contents, each read into a buffer of its declared size.
func (h *Handle) decodeTarGz(data []byte, precheck func([]Entry) error) error {
	var entries []Entry
	err := h.walkTarGz(data, func(hdr *tar.Header, _ io.Reader) error {
		if len(entries) >= h.limits.MaxEntries {
			return limitError("entries", int64(h.limits.MaxEntries), int64(len(entries)+1), "")
		}
		entries = append(entries, Entry{Path: hdr.Name, Size: hdr.Size})
		return nil
	})
	if err != nil {
		return err
	}
	if precheck != nil {
		if err := precheck(entries); err != nil {
			return err
		}
	}

	h.entries = entries
	h.tfiles = make(map[string][]byte)
	return h.walkTarGz(data, func(hdr *tar.Header, r io.Reader) error {
		if hdr.Typeflag != tar.TypeReg {
			return nil
		}
		content := make([]byte, hdr.Size)
		if _, err := io.ReadFull(r, content); err != nil {
			return newError(KindCorruptArchive, hdr.Name, fmt.Errorf("read tar entry: %w", err))
		}
		h.tfiles[hdr.Name] = content
		return nil
	})
}

// walkTarGz calls fn for every directory and regular file record. Paths and
// declared sizes are checked before fn sees the record; directory names are
// given a trailing slash and their size is zero.
func (h *Handle) walkTarGz(data []byte, fn func(hdr *tar.Header, r io.Reader) error) error {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return newError(KindCorruptArchive, "", fmt.Errorf("open gzip: %w", err))
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	budget := h.limits.inflateBudget(h.size)
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return newError(KindCorruptArchive, "", fmt.Errorf("read tar header: %w", err))
		}

		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader:
			continue
		case tar.TypeDir:
			if !strings.HasSuffix(hdr.Name, "/") {
				hdr.Name += "/"
			}
			hdr.Size = 0
		case tar.TypeReg:
			if hdr.Size > h.limits.MaxEntryBytes {
				return limitError("entry_bytes", h.limits.MaxEntryBytes, hdr.Size, hdr.Name)
			}
			total += hdr.Size
			if total > budget {
				return limitError("total_bytes", budget, total, "")
			}
		default:
			return newError(KindCorruptArchive, hdr.Name,
				fmt.Errorf("unsupported tar entry type %d", hdr.Typeflag))
		}
		if err := checkEntryPath(hdr.Name); err != nil {
			return err
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// checkEntryPath rejects absolute paths and any ".." segment.
func checkEntryPath(name string) error {
	if name == "" {
		return newError(KindCorruptArchive, name, errors.New("empty entry name"))
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) || hasDriveLetter(name) {
		return newError(KindCorruptArchive, name, errors.New("absolute path in archive"))
	}
	if pathutil.HasParentSegments(strings.ReplaceAll(name, `\`, "/")) {
		return newError(KindCorruptArchive, name, errors.New("path traversal in archive"))
	}
	return nil
}

func hasDriveLetter(name string) bool {
	if len(name) < 2 || name[1] != ':' {
		return false
	}
	c := name[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Format returns the detected container format.
func (h *Handle) Format() Format { return h.format }

// Digest returns the hex SHA-256 of the raw archive bytes.
func (h *Handle) Digest() string { return h.digest }

// Size returns the raw archive size in bytes.
func (h *Handle) Size() int64 { return h.size }

// Entries returns the container listing in archive order. The returned slice
// must not be modified.
func (h *Handle) Entries() []Entry { return h.entries }

// HasFile reports whether path names a file record.
func (h *Handle) HasFile(path string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return false
	}
	if h.zfiles != nil {
		_, ok := h.zfiles[path]
		return ok
	}
	_, ok := h.tfiles[path]
	return ok
}

// Close releases decoded state. It is safe to call more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.zfiles = nil
	h.tfiles = nil
	return nil
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

var (
	errNoSuchFile = errors.New("no such file")
	errTooLarge   = errors.New("entry exceeds read limit")
)

// readFile inflates one file up to max bytes. It returns ErrClosed,
// errNoSuchFile, errTooLarge, ctx errors, or the raw inflate error.
func (h *Handle) readFile(ctx context.Context, path string, max int64) ([]byte, error) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil, ErrClosed
	}
	zf := h.zfiles[path]
	tdata, tok := h.tfiles[path]
	h.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if tok {
		if int64(len(tdata)) > max {
			return nil, errTooLarge
		}
		return tdata, nil
	}
	if zf == nil {
		return nil, errNoSuchFile
	}

	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if zf.UncompressedSize64 > 0 && int64(zf.UncompressedSize64) <= max {
		buf.Grow(int(zf.UncompressedSize64))
	}
	n, err := io.Copy(&buf, io.LimitReader(ctxReader{ctx: ctx, r: rc}, max+1))
	if err != nil {
		return nil, err
	}
	if n > max {
		return nil, errTooLarge
	}
	return buf.Bytes(), nil
}

// ctxReader stops a copy between reads once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
