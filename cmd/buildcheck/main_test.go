package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
)

const (
	appID = "com.example.app"
	key   = "vk-7f3a9c"
)

var manifest = `{"app_id":"com.example.app","verify_key":"vk-7f3a9c"}`

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	p := filepath.Join(t.TempDir(), "build.zip")
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return p
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_OK(t *testing.T) {
	p := writeZip(t, map[string]string{
		"loopsync.json": manifest,
		"src/app.js":    "x",
		"README.md":     "hello",
	})

	code, out, errOut := runCLI(t, "-app-id", appID, "-verify-key", key, p)
	if code != exitOK {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	if !strings.HasPrefix(out, "OK "+p+" app_id=com.example.app format=zip files=3 ") {
		t.Fatalf("summary line = %q", strings.SplitN(out, "\n", 2)[0])
	}
	for _, want := range []string{"src/\n  app.js  1\n", "README.md  5\n", "loopsync.json  "} {
		if !strings.Contains(out, want) {
			t.Errorf("tree output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_Rejected(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		kind  string
	}{
		{"app id mismatch", map[string]string{"loopsync.json": `{"app_id":"com.other","verify_key":"vk-7f3a9c"}`}, "app_id_mismatch"},
		{"missing manifest", map[string]string{"src/app.js": "x"}, "manifest_missing"},
		{"misplaced manifest", map[string]string{"dist/loopsync.json": manifest}, "misplaced_manifest"},
		{"malformed manifest", map[string]string{"loopsync.json": `[1]`}, "manifest_malformed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := writeZip(t, tc.files)
			code, out, errOut := runCLI(t, "-app-id", appID, "-verify-key", key, p)
			if code != exitRejected {
				t.Fatalf("exit = %d, want %d", code, exitRejected)
			}
			if out != "" {
				t.Errorf("stdout should be empty on rejection, got %q", out)
			}
			if !strings.Contains(errOut, "REJECTED "+tc.kind) {
				t.Fatalf("stderr = %q, want kind %s", errOut, tc.kind)
			}
		})
	}
}

func TestRun_JSONKeyMismatchOmitsKeys(t *testing.T) {
	p := writeZip(t, map[string]string{"loopsync.json": `{"app_id":"com.example.app","verify_key":"vk-leaked"}`})

	code, out, _ := runCLI(t, "-json", "-app-id", appID, "-verify-key", key, p)
	if code != exitRejected {
		t.Fatalf("exit = %d", code)
	}
	var rep report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if rep.OK || rep.Error == nil || rep.Error.Kind != "verify_key_mismatch" {
		t.Fatalf("report = %+v", rep)
	}
	if strings.Contains(out, "vk-leaked") || strings.Contains(out, key) {
		t.Fatalf("verify keys leaked into output:\n%s", out)
	}
}

func TestRun_JSONOK(t *testing.T) {
	p := writeZip(t, map[string]string{"loopsync.json": manifest, "a/b.txt": "b"})

	code, out, _ := runCLI(t, "-json", "-app-id", appID, "-verify-key", key, p)
	if code != exitOK {
		t.Fatalf("exit = %d", code)
	}
	var rep report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !rep.OK || rep.Files != 2 || rep.Format != "zip" || len(rep.SHA256) != 64 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Tree) != 2 || rep.Tree[0].Name != "a" || rep.Tree[0].Children[0].Path != "a/b.txt" {
		t.Fatalf("tree = %+v", rep.Tree)
	}
}

func TestRun_UsageErrors(t *testing.T) {
	p := writeZip(t, map[string]string{"loopsync.json": manifest})
	tests := []struct {
		name string
		args []string
	}{
		{"no archive", []string{"-app-id", appID, "-verify-key", key}},
		{"two archives", []string{"-app-id", appID, "-verify-key", key, p, p}},
		{"no key", []string{"-app-id", appID, p}},
		{"unknown flag", []string{"-bogus", p}},
		{"bad log level", []string{"-app-id", appID, "-verify-key", key, "-log-level", "loud", p}},
		{"missing file", []string{"-app-id", appID, "-verify-key", key, filepath.Join(t.TempDir(), "nope.zip")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if code, _, _ := runCLI(t, tc.args...); code != exitUsage {
				t.Fatalf("exit = %d, want %d", code, exitUsage)
			}
		})
	}
}

func TestRun_VerifyKeyFromEnv(t *testing.T) {
	t.Setenv("BUILDGATE_VERIFY_KEY", key)
	p := writeZip(t, map[string]string{"loopsync.json": manifest})

	if code, _, errOut := runCLI(t, "-app-id", appID, p); code != exitOK {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
}

func TestRun_ArchiveLimit(t *testing.T) {
	p := writeZip(t, map[string]string{"loopsync.json": manifest, "big.bin": strings.Repeat("x", 4096)})

	code, _, errOut := runCLI(t, "-app-id", appID, "-verify-key", key, "-max-archive-bytes", "1024", p)
	if code != exitRejected || !strings.Contains(errOut, "REJECTED limit_exceeded") {
		t.Fatalf("exit = %d, stderr = %q", code, errOut)
	}
}

func TestRun_Show(t *testing.T) {
	p := writeZip(t, map[string]string{"loopsync.json": manifest, "docs/guide.md": "\xEF\xBB\xBF# Guide"})

	code, out, _ := runCLI(t, "-tree=false", "-app-id", appID, "-verify-key", key, "-show", "./docs//guide.md", p)
	if code != exitOK {
		t.Fatalf("exit = %d", code)
	}
	if !strings.HasSuffix(out, "\n# Guide") {
		t.Fatalf("stdout = %q", out)
	}

	code, _, errOut := runCLI(t, "-tree=false", "-app-id", appID, "-verify-key", key, "-show", "docs", p)
	if code != exitRejected || !strings.Contains(errOut, "entry_not_found") {
		t.Fatalf("show folder: exit = %d, stderr = %q", code, errOut)
	}
}

func TestRun_Extract(t *testing.T) {
	p := writeZip(t, map[string]string{
		"loopsync.json": manifest,
		"src/app.js":    "console.log(1)",
		"img/logo.png":  "\x89PNG",
	})
	dir := t.TempDir()

	code, out, errOut := runCLI(t, "-tree=false", "-app-id", appID, "-verify-key", key, "-extract", dir, p)
	if code != exitOK {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	if !strings.Contains(out, "extracted 3 files") {
		t.Fatalf("stdout = %q", out)
	}
	got, err := os.ReadFile(filepath.Join(dir, "img", "logo.png"))
	if err != nil || string(got) != "\x89PNG" {
		t.Fatalf("logo.png = %q, %v", got, err)
	}
}

func TestRun_TraversalRejectedBeforeExtract(t *testing.T) {
	p := writeZip(t, map[string]string{"loopsync.json": manifest, "../escape.txt": "x"})
	dir := filepath.Join(t.TempDir(), "out")

	code, _, errOut := runCLI(t, "-app-id", appID, "-verify-key", key, "-extract", dir, p)
	if code != exitRejected || !strings.Contains(errOut, "REJECTED corrupt_archive") {
		t.Fatalf("exit = %d, stderr = %q", code, errOut)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("nothing should be written, stat err = %v", err)
	}
}

func TestRun_ExtractRefusesUnportableNames(t *testing.T) {
	// verifies, but a backslash name cannot be mapped onto the filesystem
	p := writeZip(t, map[string]string{
		"loopsync.json": manifest,
		"a.txt":         "a",
		"win\\path.txt": "x",
	})
	dir := filepath.Join(t.TempDir(), "out")

	code, _, errOut := runCLI(t, "-app-id", appID, "-verify-key", key, "-extract", dir, p)
	if code != exitUsage || !strings.Contains(errOut, "unsafe archive path") {
		t.Fatalf("exit = %d, stderr = %q", code, errOut)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("nothing should be written, stat err = %v", err)
	}
}

func TestRun_Version(t *testing.T) {
	code, out, _ := runCLI(t, "-V")
	if code != exitOK || !strings.HasPrefix(out, "buildgate ") {
		t.Fatalf("exit = %d, stdout = %q", code, out)
	}
}
