package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/rizome-dev/conductor/pkg/config"
)

const (
	limiterIdleTTL  = 10 * time.Minute
	cleanupInterval = time.Minute
)

// RateLimiter enforces a global limit, per-endpoint limits and per-caller
// limits keyed by user ID, or by client IP for anonymous requests
type RateLimiter struct {
	config        config.RateLimitConfig
	globalLimiter *rate.Limiter

	mu               sync.Mutex
	userLimiters     map[string]*trackedLimiter
	endpointLimiters map[string]*trackedLimiter

	stopOnce sync.Once
	stop     chan struct{}
}

type trackedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientInfo identifies the caller of a request
type ClientInfo struct {
	IP       string
	UserID   string
	Endpoint string
}

// NewRateLimiter creates a rate limiter and starts evicting idle limiters
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config:           cfg,
		userLimiters:     make(map[string]*trackedLimiter),
		endpointLimiters: make(map[string]*trackedLimiter),
		stop:             make(chan struct{}),
	}
	if cfg.GlobalLimit > 0 {
		rl.globalLimiter = newLimiter(cfg.GlobalLimit, cfg.GlobalWindow)
	}

	go rl.cleanupLoop()
	return rl
}

// limit requests per window with a burst of the full limit
func newLimiter(limit int, window time.Duration) *rate.Limiter {
	if window <= 0 {
		window = time.Second
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// HTTPRateLimitMiddleware rejects requests over the limit with 429
func (rl *RateLimiter) HTTPRateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		client := ClientInfo{
			IP:       ClientIP(r),
			Endpoint: r.Method + " " + r.URL.Path,
		}
		if claims, ok := GetUserFromContext(r.Context()); ok {
			client.UserID = claims.UserID
		}

		if !rl.Allow(client) {
			retryAfter := rl.config.UserWindow
			if retryAfter <= 0 {
				retryAfter = time.Minute
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GRPCRateLimitInterceptor rejects calls over the limit with ResourceExhausted
func (rl *RateLimiter) GRPCRateLimitInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if !rl.config.Enabled {
		return handler(ctx, req)
	}

	client := ClientInfo{Endpoint: info.FullMethod}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if addr, ok := p.Addr.(*net.TCPAddr); ok {
			client.IP = addr.IP.String()
		} else {
			client.IP = p.Addr.String()
		}
	}
	if claims, ok := GetUserFromContext(ctx); ok {
		client.UserID = claims.UserID
	}

	if !rl.Allow(client) {
		return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	return handler(ctx, req)
}

// Allow consumes one token from every limiter that applies to client
func (rl *RateLimiter) Allow(client ClientInfo) bool {
	if rl.globalLimiter != nil && !rl.globalLimiter.Allow() {
		return false
	}
	if !rl.allowEndpoint(client.Endpoint) {
		return false
	}

	identifier := client.UserID
	if identifier == "" {
		identifier = client.IP
	}
	if identifier != "" && rl.config.UserLimit > 0 {
		return rl.limiterFor(rl.userLimiters, identifier, rl.config.UserLimit, rl.config.UserWindow).Allow()
	}
	return true
}

func (rl *RateLimiter) allowEndpoint(endpoint string) bool {
	for pattern, limit := range rl.config.EndpointLimits {
		if limit.Limit <= 0 || !MatchEndpoint(pattern, endpoint) {
			continue
		}
		// Limiters are shared by every endpoint matching the pattern
		if !rl.limiterFor(rl.endpointLimiters, pattern, limit.Limit, limit.Window).Allow() {
			return false
		}
	}
	return true
}

func (rl *RateLimiter) limiterFor(limiters map[string]*trackedLimiter, key string, limit int, window time.Duration) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	tl, ok := limiters[key]
	if !ok {
		tl = &trackedLimiter{limiter: newLimiter(limit, window)}
		limiters[key] = tl
	}
	tl.lastSeen = time.Now()
	return tl.limiter
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle(time.Now().Add(-limiterIdleTTL))
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for _, limiters := range []map[string]*trackedLimiter{rl.userLimiters, rl.endpointLimiters} {
		for key, tl := range limiters {
			if tl.lastSeen.Before(cutoff) {
				delete(limiters, key)
			}
		}
	}
}

// Stats returns limiter counts for diagnostics
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := map[string]interface{}{
		"enabled":           rl.config.Enabled,
		"global_limit":      rl.config.GlobalLimit,
		"user_limit":        rl.config.UserLimit,
		"user_limiters":     len(rl.userLimiters),
		"endpoint_limiters": len(rl.endpointLimiters),
	}
	if rl.globalLimiter != nil {
		stats["global_tokens"] = rl.globalLimiter.Tokens()
	}
	return stats
}

// ResetUser forgets the limiter of a user or IP
func (rl *RateLimiter) ResetUser(identifier string) {
	rl.mu.Lock()
	delete(rl.userLimiters, identifier)
	rl.mu.Unlock()
}

// ClientIP returns the originating client address, honouring proxy headers
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
