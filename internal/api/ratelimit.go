package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/accountproof/internal/metrics"
	"golang.org/x/time/rate"
)

// limiterIdle is how long a client's bucket survives without requests.
const limiterIdle = 10 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter holds one token bucket per client IP.
type clientLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*clientBucket
}

func (l *clientLimiter) bucket(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (l *clientLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdle {
			delete(l.buckets, ip)
		}
	}
}

// RateLimiter returns a Gin middleware that gives each client IP a token
// bucket of rps requests per second and the given burst. Paths in exempt
// (probes, scrapes) bypass it. Idle buckets are evicted until ctx is done.
func RateLimiter(ctx context.Context, rps, burst int, exempt ...string) gin.HandlerFunc {
	l := &clientLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*clientBucket),
	}
	skip := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		skip[p] = struct{}{}
	}

	go func() {
		ticker := time.NewTicker(limiterIdle / 2)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				l.evict(now)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		now := time.Now()
		r := l.bucket(c.ClientIP(), now).ReserveN(now, 1)
		delay := r.DelayFrom(now)
		if !r.OK() {
			delay = time.Second
		}
		if delay > 0 {
			r.CancelAt(now)
			metrics.RecordRateLimited("http")
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
