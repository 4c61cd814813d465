package httpmw

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client address resolution.
type ClientIPOptions struct {
	// TrustedHops counts reverse proxies in front of the server. 0 ignores
	// X-Forwarded-For, 1 takes the rightmost entry (single ALB), 2 the one
	// before it (CDN then ALB).
	TrustedHops int
}

// ClientIP resolves the client address with no trusted proxies.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the resolved client address in the request
// context. The rate limiter keys on it.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := resolveClientAddr(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), addr)))
		})
	}
}

const unknownAddr = "0.0.0.0"

// resolveClientAddr returns the peer address, or the Nth-from-end
// X-Forwarded-For entry when the peer is a private proxy and trustedHops is
// positive. Whenever forwarded headers are not trusted they are removed from r.
func resolveClientAddr(r *http.Request, trustedHops int) string {
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok {
		stripForwarded(r)
		if r.RemoteAddr == "" {
			return unknownAddr
		}
		return r.RemoteAddr
	}
	if trustedHops <= 0 || !peer.IsPrivate() {
		stripForwarded(r)
		return peer.String()
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer.String()
	}
	hops := strings.Split(xff, ",")
	i := len(hops) - trustedHops
	if i < 0 {
		// fewer hops than proxies: the chain was not built by our proxies
		stripForwarded(r)
		return peer.String()
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(hops[i])); err == nil {
		return a.Unmap().String()
	}
	return peer.String()
}

// peerAddr parses RemoteAddr with or without a port.
func peerAddr(remote string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(remote); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}

// stripForwarded drops proxy headers the client may have forged so later
// scheme detection and logging never see them.
func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
