package stream

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jmerrifield20/accountproof/internal/metrics"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// RateLimitConfig bounds how often a peer may open calls.
type RateLimitConfig struct {
	Enabled bool
	// PerClientRate is the steady-state calls per second per client host.
	PerClientRate float64
	Burst         int
	// ExemptMethods bypass the limiter.
	ExemptMethods []string
}

// DefaultRateLimitConfig returns rate limiting disabled with usable limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{PerClientRate: 10, Burst: 20}
}

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces per-peer token buckets on calls. Ingest streams are
// limited only when opened.
type RateLimiter struct {
	config RateLimitConfig
	exempt map[string]struct{}

	mu       sync.Mutex
	limiters map[string]*peerLimiter
	stop     chan struct{}
	once     sync.Once
}

// NewRateLimiter creates a RateLimiter and starts its cleanup loop.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		exempt:   make(map[string]struct{}),
		limiters: make(map[string]*peerLimiter),
		stop:     make(chan struct{}),
	}
	for _, m := range config.ExemptMethods {
		rl.exempt[m] = struct{}{}
	}
	go rl.cleanup()
	return rl
}

// UnaryInterceptor returns a unary server interceptor for rate limiting.
func (rl *RateLimiter) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := rl.check(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a stream server interceptor for rate limiting.
func (rl *RateLimiter) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := rl.check(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// Close stops the cleanup loop.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) check(ctx context.Context, method string) error {
	if !rl.config.Enabled {
		return nil
	}
	if _, ok := rl.exempt[method]; ok {
		return nil
	}
	if !rl.limiterFor(clientHost(ctx)).Allow() {
		metrics.RecordRateLimited("grpc")
		return status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	return nil
}

func (rl *RateLimiter) limiterFor(host string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[host]
	if !ok {
		l = &peerLimiter{limiter: rate.NewLimiter(rate.Limit(rl.config.PerClientRate), rl.config.Burst)}
		rl.limiters[host] = l
	}
	l.lastSeen = time.Now()
	return l.limiter
}

func (rl *RateLimiter) cleanup() {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-t.C:
			rl.mu.Lock()
			for host, l := range rl.limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(rl.limiters, host)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func clientHost(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
