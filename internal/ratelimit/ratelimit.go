package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/buildgate/internal/httpmw"
)

// rejectBody matches the error envelope served by the build API.
const rejectBody = `{"status":"error","error":{"kind":"rate_limited","message":"too many requests"}}`

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged is reset when the entry is evicted and re-created
	logged bool
}

// IPLimiter holds one token bucket per client IP. Idle buckets are evicted
// in the background.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int
	retryAfter  time.Duration

	// capacityHit latches until an eviction pass frees room
	capacityHit bool

	// OnFirstDenied runs once per tracked visitor, for logging.
	OnFirstDenied func(ip string)
	// OnDenied runs on every rejected request.
	OnDenied func(ip string)
	// OnCapacity runs when the visitor table first fills up.
	OnCapacity func()
}

type Option func(*IPLimiter)

// WithRate sets the refill rate and bucket size. WithRate(2, 10) admits
// 10 requests at once, then 2 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle IP is tracked.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.ttl = d }
}

// WithMaxVisitors caps the number of tracked IPs. Unseen IPs are rejected
// while the table is full. Zero disables the cap.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) { l.maxVisitors = n }
}

// WithRetryAfter sets the Retry-After hint on rejections.
func WithRetryAfter(d time.Duration) Option {
	return func(l *IPLimiter) { l.retryAfter = d }
}

func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnFirstDenied = fn }
}

func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnDenied = fn }
}

func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.OnCapacity = fn }
}

// New creates an IPLimiter. Eviction runs until ctx is done.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:    make(map[string]*visitor),
		perSecond:   10,
		burst:       30,
		ttl:         5 * time.Minute,
		maxVisitors: 100000,
		retryAfter:  30 * time.Second,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// Len reports the number of tracked IPs.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// allow reports whether ip may proceed. Hooks run after the lock is released.
func (l *IPLimiter) allow(ip string) bool {
	l.mu.Lock()
	v, exists := l.visitors[ip]
	if !exists {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			first := !l.capacityHit
			l.capacityHit = true
			l.mu.Unlock()
			if first && l.OnCapacity != nil {
				l.OnCapacity()
			}
			return false
		}
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	firstDenial := !allowed && !v.logged
	if firstDenial {
		v.logged = true
	}
	l.mu.Unlock()

	if allowed {
		return true
	}
	if firstDenial && l.OnFirstDenied != nil {
		l.OnFirstDenied(ip)
	}
	if l.OnDenied != nil {
		l.OnDenied(ip)
	}
	return false
}

// cleanup evicts idle visitors every ttl/2.
func (l *IPLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

func (l *IPLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, ip)
		}
	}
	if l.maxVisitors <= 0 || len(l.visitors) < l.maxVisitors {
		l.capacityHit = false
	}
}

// Middleware rejects over-limit clients with 429. The client IP comes from
// httpmw.ClientIP, which must run earlier in the chain.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	retry := strconv.Itoa(int(l.retryAfter / time.Second))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(httpmw.ClientIPFromContext(r.Context())) {
			h := w.Header()
			h.Set("Content-Type", "application/json; charset=utf-8")
			h.Set("Cache-Control", "no-store")
			h.Set("Retry-After", retry)
			// an unread upload body is not worth draining
			if r.ContentLength != 0 {
				h.Set("Connection", "close")
			}
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(rejectBody))
			return
		}
		next.ServeHTTP(w, r)
	})
}
