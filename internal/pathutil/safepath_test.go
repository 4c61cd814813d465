package pathutil

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestHasParentSegments(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"dist/app.js", false},
		{"dist/../app.js", true},
		{"..", true},
		{"../", true},
		{"a/..", true},
		{"./a", false},
		{"...", false},
		{"..hidden/x", false},
		{"a/b..c", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := HasParentSegments(tt.path); got != tt.want {
				t.Errorf("HasParentSegments(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestEntrySegments(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"src/lib/b.js", "src|lib|b.js"},
		{"a//b.txt", "a|b.txt"},
		{"./c.txt", "c.txt"},
		{"/abs/x", "abs|x"},
		{"dir/", "dir"},
		{"", ""},
		{"./", ""},
	}
	for _, tt := range tests {
		if got := strings.Join(EntrySegments(tt.name), "|"); got != tt.want {
			t.Errorf("EntrySegments(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSafeJoin(t *testing.T) {
	root := filepath.Join("tmp", "out")
	tests := []struct {
		name string
		want string
		err  bool
	}{
		{name: "src/app.js", want: filepath.Join(root, "src", "app.js")},
		{name: "a//./b.txt", want: filepath.Join(root, "a", "b.txt")},
		{name: "/etc/passwd", want: filepath.Join(root, "etc", "passwd")},
		{name: "../escape", err: true},
		{name: "a/../../escape", err: true},
		{name: "a\\..\\escape", err: true},
		{name: "C:/windows", err: true},
		{name: "nul\x00byte", err: true},
		{name: "./", err: true},
		{name: "", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafeJoin(root, tt.name)
			if tt.err {
				if !errors.Is(err, ErrUnsafePath) {
					t.Fatalf("SafeJoin(%q) err = %v, want ErrUnsafePath", tt.name, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("SafeJoin(%q) = %q, %v; want %q", tt.name, got, err, tt.want)
			}
		})
	}
}

func FuzzSafeJoin(f *testing.F) {
	f.Add("foo/../bar")
	f.Add("./foo")
	f.Add("/abs")
	f.Add("...")
	f.Add("a\\b")

	root := filepath.Join("base", "root")
	f.Fuzz(func(t *testing.T, name string) {
		got, err := SafeJoin(root, name)
		if err != nil {
			return
		}
		rel, err := filepath.Rel(root, got)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			t.Fatalf("SafeJoin(%q) = %q escapes root (rel %q)", name, got, rel)
		}
	})
}
