package cryptoutil

import (
	"bytes"
	"strings"
	"testing"
)

func TestSHA256Hex_KnownVectors(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"hello world", "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}
	for _, tc := range tests {
		if got := SHA256Hex([]byte(tc.in)); got != tc.want {
			t.Errorf("SHA256Hex(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestHashEqual(t *testing.T) {
	h := SHA256Hex([]byte("x"))
	if !HashEqual(h, h) {
		t.Error("identical hashes should match")
	}
	if HashEqual(h, strings.ToUpper(h)) {
		t.Error("comparison must be case sensitive")
	}
	if HashEqual(h, h[:10]) {
		t.Error("prefix must not match")
	}
}

func TestSecretEqual(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"key-123", "key-123", true},
		{"", "", true},
		{"key-123", "key-124", false},
		{"key-123", "key-1234", false},
		{"", "x", false},
	}
	for _, tc := range tests {
		if got := SecretEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("SecretEqual(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestReadAllWithHash(t *testing.T) {
	data, sum, ok, err := ReadAllWithHash(bytes.NewReader([]byte("hello world")), 11)
	if err != nil || !ok {
		t.Fatalf("ReadAllWithHash: ok=%v err=%v", ok, err)
	}
	if string(data) != "hello world" || sum != SHA256Hex(data) {
		t.Fatalf("unexpected result %q %s", data, sum)
	}

	_, _, ok, err = ReadAllWithHash(bytes.NewReader([]byte("hello world")), 10)
	if err != nil || ok {
		t.Fatalf("oversized input: ok=%v err=%v", ok, err)
	}
}

func FuzzSecretEqual(f *testing.F) {
	f.Add("a", "a")
	f.Add("a", "b")
	f.Add("", "key")
	f.Fuzz(func(t *testing.T, a, b string) {
		if got := SecretEqual(a, b); got != (a == b) {
			t.Fatalf("SecretEqual(%q, %q) = %v", a, b, got)
		}
	})
}
