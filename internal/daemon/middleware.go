package daemon

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// remoteLimiter buckets requests per remote host. rpm <= 0 disables
// limiting.
type remoteLimiter struct {
	rpm int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newRemoteLimiter(rpm int) *remoteLimiter {
	return &remoteLimiter{rpm: rpm, buckets: make(map[string]*rate.Limiter)}
}

func (l *remoteLimiter) allow(remoteAddr string) bool {
	if l.rpm <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	l.mu.Lock()
	bucket, ok := l.buckets[host]
	if !ok {
		burst := l.rpm / 6
		if burst < 10 {
			burst = 10
		}
		bucket = rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), burst)
		l.buckets[host] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// withMiddleware stacks rate limiting, bearer auth, and a request span
// around the mux. The /mcp endpoint skips auth: MCP clients launched by
// backends receive only a URL and identify via the ?agent= parameter.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(r.RemoteAddr) {
			writeJSON(w, http.StatusServiceUnavailable, errorBody("rate limit exceeded"))
			return
		}
		if s.cfg.Daemon.Token != "" && !strings.HasPrefix(r.URL.Path, "/mcp") {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.cfg.Daemon.Token {
				writeJSON(w, http.StatusUnauthorized, errorBody("invalid or missing token"))
				return
			}
		}
		ctx, span := s.tracer.Start(r.Context(), "http.request")
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
