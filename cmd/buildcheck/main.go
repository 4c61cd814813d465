// Command buildcheck verifies a build archive before upload. It checks the
// root manifest against an app id and verify key, prints the file tree and
// can print or extract entries.
//
// Exit status is 0 when the archive verifies, 1 when it is rejected and 2
// for usage or local I/O errors.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/keithlinneman/buildgate/internal/archive"
	"github.com/keithlinneman/buildgate/internal/cfg"
	"github.com/keithlinneman/buildgate/internal/log"
	"github.com/keithlinneman/buildgate/internal/pathutil"
	v "github.com/keithlinneman/buildgate/internal/version"
	"github.com/keithlinneman/buildgate/internal/xerrors"
)

const (
	exitOK       = 0
	exitRejected = 1
	exitUsage    = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	AppID        string
	VerifyKey    string
	ManifestName string
	Limits       archive.Limits
	Tree         bool
	JSON         bool
	Show         string
	Extract      string
	LogLevel     string
	ShowVersion  bool
	archivePath  string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	var o options
	fs := flag.NewFlagSet("buildcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: buildcheck -app-id ID -verify-key KEY [flags] ARCHIVE")
		fs.PrintDefaults()
	}
	fs.StringVar(&o.AppID, "app-id", "", "expected app id")
	fs.StringVar(&o.VerifyKey, "verify-key", "", "expected verify key (prefer BUILDGATE_VERIFY_KEY)")
	fs.StringVar(&o.ManifestName, "manifest-name", archive.DefaultManifestName, "manifest file expected at the archive root")
	fs.Int64Var(&o.Limits.MaxArchiveBytes, "max-archive-bytes", archive.DefaultMaxArchiveBytes, "largest accepted archive in bytes")
	fs.IntVar(&o.Limits.MaxEntries, "max-entries", archive.DefaultMaxEntries, "largest accepted number of entries")
	fs.Int64Var(&o.Limits.MaxEntryBytes, "max-entry-bytes", archive.DefaultMaxEntryBytes, "largest single inflated entry in bytes")
	fs.Int64Var(&o.Limits.MaxTotalBytes, "max-total-bytes", archive.DefaultMaxTotalBytes, "largest declared inflated size of all entries in bytes")
	fs.IntVar(&o.Limits.MaxInflateRatio, "max-inflate-ratio", archive.DefaultMaxInflateRatio, "largest declared inflated size as a multiple of the archive size")
	fs.BoolVar(&o.Tree, "tree", true, "print the file tree")
	fs.BoolVar(&o.JSON, "json", false, "print the result as JSON")
	fs.StringVar(&o.Show, "show", "", "print the content of one entry after verification")
	fs.StringVar(&o.Extract, "extract", "", "extract verified files into this directory")
	fs.StringVar(&o.LogLevel, "log-level", "warn", "debug|info|warn|error")
	fs.BoolVar(&o.ShowVersion, "V", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.FillFromEnv(fs, cfg.EnvPrefix, func(format string, a ...any) {
		fmt.Fprintf(stderr, format+"\n", a...)
	})

	if o.ShowVersion {
		return &o, nil
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, xerrors.New("exactly one archive path is required")
	}
	o.archivePath = fs.Arg(0)
	if o.AppID == "" || o.VerifyKey == "" {
		return nil, xerrors.New("-app-id and -verify-key are required")
	}
	if _, err := log.ParseLevel(o.LogLevel); err != nil {
		return nil, xerrors.Wrap(err, "-log-level")
	}
	return &o, nil
}

// report is the -json output.
type report struct {
	OK           bool            `json:"ok"`
	Archive      string          `json:"archive"`
	AppID        string          `json:"app_id"`
	ManifestName string          `json:"manifest_name"`
	Format       archive.Format  `json:"format,omitempty"`
	SHA256       string          `json:"sha256,omitempty"`
	SizeBytes    int64           `json:"size_bytes,omitempty"`
	Files        int             `json:"files"`
	Extracted    int             `json:"extracted,omitempty"`
	Tree         []*archive.Node `json:"tree,omitempty"`
	Error        *reportError    `json:"error,omitempty"`
}

type reportError struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, "buildcheck:", err)
		return exitUsage
	}
	if o.ShowVersion {
		fmt.Fprintln(stdout, v.Get().String())
		return exitOK
	}

	lvl, _ := log.ParseLevel(o.LogLevel)
	L, err := log.New(log.Options{App: "buildcheck", Version: v.Version, Level: lvl, Writer: stderr})
	if err != nil {
		fmt.Fprintln(stderr, "buildcheck: logger:", err)
		return exitUsage
	}
	defer L.Sync()
	ctx = log.WithContext(ctx, L)

	data, err := readArchive(o.archivePath, o.Limits)
	if err != nil {
		L.Error(ctx, err, "read archive", "path", o.archivePath)
		fmt.Fprintln(stderr, "buildcheck:", err)
		return exitUsage
	}

	rep := report{Archive: o.archivePath, AppID: o.AppID, ManifestName: o.ManifestName}
	verifier := archive.NewVerifier(o.ManifestName, o.Limits)
	res, err := verifier.Verify(ctx, data, o.AppID, o.VerifyKey)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(stderr, "buildcheck: interrupted")
			return exitUsage
		}
		rep.Error = toReportError(err)
		L.Debug(ctx, "archive rejected", "kind", rep.Error.Kind)
		writeReport(stdout, stderr, o, &rep)
		return exitRejected
	}
	defer res.Handle.Close()

	forest := archive.BuildTree(res.Handle.Entries())
	rep.OK = true
	rep.Format = res.Handle.Format()
	rep.SHA256 = res.Handle.Digest()
	rep.SizeBytes = res.Handle.Size()
	rep.Files = archive.CountFiles(forest)
	if o.Tree {
		rep.Tree = forest
	}

	if o.Extract != "" {
		n, err := extract(ctx, res.Handle, forest, o.Extract)
		rep.Extracted = n
		if err != nil {
			L.Error(ctx, err, "extract", "dir", o.Extract, "extracted", n)
			fmt.Fprintln(stderr, "buildcheck:", err)
			return exitUsage
		}
	}

	writeReport(stdout, stderr, o, &rep)

	if o.Show != "" {
		if err := show(ctx, stdout, res.Handle, forest, o.Show); err != nil {
			fmt.Fprintln(stderr, "buildcheck:", err)
			return exitRejected
		}
	}
	return exitOK
}

// readArchive reads at most one byte past the limit so Decode reports the
// overflow with its own limit error.
func readArchive(p string, limits archive.Limits) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, xerrors.Wrap(err, "open archive")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limits.MaxArchiveBytes+1))
	if err != nil {
		return nil, xerrors.Wrap(err, "read archive")
	}
	return data, nil
}

func toReportError(err error) *reportError {
	var ae *archive.Error
	if !errors.As(err, &ae) {
		return &reportError{Kind: "internal", Message: err.Error()}
	}
	re := &reportError{Kind: string(ae.Kind), Message: ae.Error(), Path: ae.Path, Expected: ae.Expected, Actual: ae.Actual}
	if ae.Kind == archive.KindVerifyKeyMismatch {
		re.Expected, re.Actual = "", ""
	}
	return re
}

func writeReport(stdout, stderr io.Writer, o *options, rep *report) {
	if o.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
		return
	}
	if rep.Error != nil {
		fmt.Fprintf(stderr, "REJECTED %s: %s\n", rep.Error.Kind, rep.Error.Message)
		return
	}
	fmt.Fprintf(stdout, "OK %s app_id=%s format=%s files=%d size=%d sha256=%s\n",
		rep.Archive, rep.AppID, rep.Format, rep.Files, rep.SizeBytes, rep.SHA256)
	if rep.Extracted > 0 {
		fmt.Fprintf(stdout, "extracted %d files to %s\n", rep.Extracted, o.Extract)
	}
	if rep.Tree != nil {
		printTree(stdout, rep.Tree, 0)
	}
}

func printTree(w io.Writer, nodes []*archive.Node, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, n := range nodes {
		if n.IsFolder() {
			fmt.Fprintf(w, "%s%s/\n", indent, n.Name)
			printTree(w, n.Children, depth+1)
			continue
		}
		fmt.Fprintf(w, "%s%s  %d\n", indent, n.Name, n.Size)
	}
}

// show prints text entries as decoded text; images and binaries as raw bytes.
func show(ctx context.Context, w io.Writer, h *archive.Handle, forest []*archive.Node, p string) error {
	n := archive.Find(forest, p)
	m, err := archive.Open(ctx, h, n)
	if err != nil {
		if n == nil {
			return xerrors.Newf("entry %q: %s", p, archive.KindEntryNotFound)
		}
		return err
	}
	if m.Kind == archive.ContentText {
		_, err = io.WriteString(w, m.Text)
	} else {
		_, err = w.Write(m.Data)
	}
	return err
}

// extract writes every file of the tree under dir. Entries whose names
// would escape dir fail the whole extraction.
func extract(ctx context.Context, h *archive.Handle, forest []*archive.Node, dir string) (int, error) {
	var files []*archive.Node
	var walk func([]*archive.Node)
	walk = func(nodes []*archive.Node) {
		for _, n := range nodes {
			if n.IsFolder() {
				walk(n.Children)
				continue
			}
			files = append(files, n)
		}
	}
	walk(forest)

	for _, n := range files {
		if _, err := pathutil.SafeJoin(dir, n.Path); err != nil {
			return 0, xerrors.Wrapf(err, "entry %q", n.Path)
		}
	}

	count := 0
	for _, n := range files {
		dst, _ := pathutil.SafeJoin(dir, n.Path)
		data, err := h.ReadFile(ctx, n.Path)
		if err != nil {
			return count, err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return count, xerrors.Wrap(err, "create directory")
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return count, xerrors.Wrap(err, "write file")
		}
		count++
	}
	return count, nil
}
