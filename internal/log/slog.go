package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type slogLogger struct {
	h          slog.Handler
	attrs      []slog.Attr
	errorLinks bool
	maxLinks   int
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.StacktraceLevel == 0 {
		opts.StacktraceLevel = slog.LevelError
	}
	if opts.MaxErrorLinks <= 0 {
		opts.MaxErrorLinks = 8
	}

	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: true}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}
	h = traceHandler{next: h}
	h = stackHandler{next: h, level: opts.StacktraceLevel}

	base := []slog.Attr{slog.String("app", opts.App)}
	if opts.Version != "" {
		base = append(base, slog.String("version", opts.Version))
	}
	return &slogLogger{
		h:          h,
		attrs:      base,
		errorLinks: opts.IncludeErrorLinks,
		maxLinks:   opts.MaxErrorLinks,
	}, nil
}

func (s *slogLogger) With(kv ...any) Logger {
	// copy so loggers derived from the same parent never share a backing array
	next := make([]slog.Attr, 0, len(s.attrs)+len(kv)/2)
	next = append(next, s.attrs...)
	next = appendKV(next, kv)
	return &slogLogger{h: s.h, attrs: next, errorLinks: s.errorLinks, maxLinks: s.maxLinks}
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		surface, root := errorTypes(err)
		kv = append(kv, "err", err, "error_type", surface, "cause_type", root)
		if chain := errorChain(err); len(chain) > 1 {
			kv = append(kv, "error_chain", chain)
		}
		if s.errorLinks {
			kv = append(kv, "error_links", errorLinks(err, s.maxLinks))
		}
	}
	s.emit(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

func (s *slogLogger) emit(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	// runtime.Callers, emit, Debug/Info/Warn/Error
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(appendKV(nil, kv)...)
	_ = s.h.Handle(ctx, r)
}

func appendKV(dst []slog.Attr, kv []any) []slog.Attr {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			dst = append(dst, slog.Any(k, kv[i+1]))
		}
	}
	return dst
}

// traceHandler adds trace_id and span_id from the active span.
type traceHandler struct{ next slog.Handler }

func (h traceHandler) Enabled(ctx context.Context, l slog.Level) bool { return h.next.Enabled(ctx, l) }
func (h traceHandler) WithAttrs(a []slog.Attr) slog.Handler {
	return traceHandler{next: h.next.WithAttrs(a)}
}
func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{next: h.next.WithGroup(name)}
}
func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}

// stackHandler renders a stack on records at or above level. The stack of an
// xerrors value under the "err" key wins over the logging call site.
type stackHandler struct {
	next  slog.Handler
	level slog.Level
}

type hasStack interface{ StackPCs() []uintptr }
type hasPC interface{ PC() uintptr }

func (h stackHandler) Enabled(ctx context.Context, l slog.Level) bool { return h.next.Enabled(ctx, l) }
func (h stackHandler) WithAttrs(a []slog.Attr) slog.Handler {
	return stackHandler{next: h.next.WithAttrs(a), level: h.level}
}
func (h stackHandler) WithGroup(name string) slog.Handler {
	return stackHandler{next: h.next.WithGroup(name), level: h.level}
}
func (h stackHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.level {
		return h.next.Handle(ctx, r)
	}
	var pcs []uintptr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "err" {
			return true
		}
		if err, ok := a.Value.Any().(error); ok {
			var hs hasStack
			if errors.As(err, &hs) {
				pcs = hs.StackPCs()
			}
		}
		return false
	})
	if len(pcs) == 0 {
		buf := make([]uintptr, 64)
		// runtime.Callers, Handle
		pcs = buf[:runtime.Callers(2, buf)]
	}
	r.AddAttrs(slog.String("stack", renderStack(pcs)))
	return h.next.Handle(ctx, r)
}

// internalFrame reports frames from the runtime, slog or this package.
func internalFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.HasPrefix(fn, "log/slog.") ||
		strings.Contains(fn, "/internal/log.")
}

func renderStack(pcs []uintptr) string {
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	started := false
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") && started {
			break
		}
		if !started && !internalFrame(fr.Function) {
			started = true
		}
		if started {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

// errorChain lists each distinct message from outermost to root.
func errorChain(err error) []string {
	var out []string
	prev := ""
	for e := err; e != nil; e = errors.Unwrap(e) {
		if m := e.Error(); m != prev {
			out = append(out, m)
			prev = m
		}
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			out = append(out, e.Error())
		}
	}
	return out
}

// errorLinks maps each wrap in the chain to the code location that added it.
func errorLinks(err error, max int) []map[string]any {
	var links []map[string]any
	for depth, e := 0, err; e != nil && depth < max; depth, e = depth+1, errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		var fr runtime.Frame
		switch v := e.(type) {
		case hasPC:
			fr, _ = runtime.CallersFrames([]uintptr{v.PC()}).Next()
		case hasStack:
			fr = firstOutsideFrame(v.StackPCs())
		}
		if fr.Function != "" {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
		} else if depth > 0 {
			continue
		}
		links = append(links, link)
	}
	return links
}

func firstOutsideFrame(pcs []uintptr) runtime.Frame {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if !internalFrame(fr.Function) && !strings.Contains(fr.Function, "/internal/xerrors.") {
			return fr
		}
		if !more {
			return runtime.Frame{}
		}
	}
}

// errorTypes returns the first non-wrapper type in the chain and the root type.
func errorTypes(err error) (surface, root string) {
	var last error
	for e := err; e != nil; e = errors.Unwrap(e) {
		last = e
		if surface != "" {
			continue
		}
		t := reflect.TypeOf(e)
		u := t
		for u.Kind() == reflect.Pointer {
			u = u.Elem()
		}
		if strings.Contains(u.PkgPath(), "/internal/xerrors") {
			continue
		}
		if u.PkgPath() == "fmt" && u.Name() == "wrapError" {
			continue
		}
		surface = t.String()
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", last)
}
