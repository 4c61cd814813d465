package appkeys

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/buildgate/internal/ttlcache"
)

type fakeSSM struct {
	mu     sync.Mutex
	params map[string]string
	err    error
	calls  []string
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.Name)
	f.calls = append(f.calls, name)
	if !aws.ToBool(in.WithDecryption) {
		return nil, errors.New("expected WithDecryption")
	}
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.params[name]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{Message: aws.String("not found")}
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Name: in.Name, Value: aws.String(v)}}, nil
}

type countMetrics struct {
	mu      sync.Mutex
	results map[string]int
}

func (c *countMetrics) KeyLookup(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[result]++
}

func newResolver(t *testing.T, f *fakeSSM, ttl time.Duration) (*Resolver, *countMetrics) {
	t.Helper()
	m := &countMetrics{results: map[string]int{}}
	r, err := NewResolver(Options{
		Client:  f,
		Prefix:  "/buildgate/apps/",
		Cache:   ttlcache.New[string, string](16, ttl),
		Metrics: m,
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r, m
}

func TestVerifyKey_CachesLookups(t *testing.T) {
	f := &fakeSSM{params: map[string]string{"/buildgate/apps/com.example.app/verify-key": " vk-1\n"}}
	r, m := newResolver(t, f, time.Minute)

	for range 3 {
		key, err := r.VerifyKey(t.Context(), "com.example.app")
		if err != nil {
			t.Fatalf("VerifyKey: %v", err)
		}
		if key != "vk-1" {
			t.Fatalf("key = %q", key)
		}
	}
	if len(f.calls) != 1 {
		t.Fatalf("ssm calls = %d, want 1", len(f.calls))
	}
	if m.results["miss"] != 1 || m.results["hit"] != 2 {
		t.Fatalf("metrics = %v", m.results)
	}

	r.Invalidate("com.example.app")
	if _, err := r.VerifyKey(t.Context(), "com.example.app"); err != nil {
		t.Fatalf("VerifyKey after invalidate: %v", err)
	}
	if len(f.calls) != 2 {
		t.Fatalf("Invalidate should force a fresh read, calls = %d", len(f.calls))
	}
}

func TestVerifyKey_ExpiredEntryIsRefetched(t *testing.T) {
	f := &fakeSSM{params: map[string]string{"/buildgate/apps/app/verify-key": "vk"}}
	r, _ := newResolver(t, f, 20*time.Millisecond)

	if _, err := r.VerifyKey(t.Context(), "app"); err != nil {
		t.Fatalf("VerifyKey: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := r.VerifyKey(t.Context(), "app"); err != nil {
		t.Fatalf("VerifyKey: %v", err)
	}
	if len(f.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(f.calls))
	}
}

func TestVerifyKey_Errors(t *testing.T) {
	f := &fakeSSM{params: map[string]string{"/buildgate/apps/blank/verify-key": "  "}}
	r, m := newResolver(t, f, time.Minute)

	if _, err := r.VerifyKey(t.Context(), "missing"); !errors.Is(err, ErrUnknownApp) {
		t.Fatalf("missing app: want ErrUnknownApp, got %v", err)
	}
	if _, err := r.VerifyKey(t.Context(), "blank"); !errors.Is(err, ErrUnknownApp) {
		t.Fatalf("blank key: want ErrUnknownApp, got %v", err)
	}
	for _, bad := range []string{"", "..", "a/b", "has space", strings.Repeat("a", 129)} {
		if _, err := r.VerifyKey(t.Context(), bad); !errors.Is(err, ErrInvalidAppID) {
			t.Fatalf("app id %q: want ErrInvalidAppID, got %v", bad, err)
		}
	}
	if len(f.calls) != 2 {
		t.Fatalf("invalid ids must not reach ssm, calls = %v", f.calls)
	}

	f.err = errors.New("throttled")
	_, err := r.VerifyKey(t.Context(), "other")
	if err == nil || errors.Is(err, ErrUnknownApp) || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("ssm failure: got %v", err)
	}
	if m.results["unknown"] != 2 || m.results["error"] != 1 {
		t.Fatalf("metrics = %v", m.results)
	}
}

func TestNewResolver_Validation(t *testing.T) {
	cache := ttlcache.New[string, string](1, time.Minute)
	if _, err := NewResolver(Options{Prefix: "/p", Cache: cache}); err == nil {
		t.Fatal("missing client accepted")
	}
	if _, err := NewResolver(Options{Client: &fakeSSM{}, Prefix: "p", Cache: cache}); err == nil {
		t.Fatal("relative prefix accepted")
	}
	if _, err := NewResolver(Options{Client: &fakeSSM{}, Prefix: "/p"}); err == nil {
		t.Fatal("missing cache accepted")
	}
}

func FuzzValidAppID(f *testing.F) {
	f.Add("com.example.app")
	f.Add("../etc")
	f.Add("")
	f.Fuzz(func(t *testing.T, id string) {
		if ValidAppID(id) && (strings.ContainsAny(id, "/\\ ") || id == ".." || len(id) > 128) {
			t.Fatalf("ValidAppID accepted %q", id)
		}
	})
}
