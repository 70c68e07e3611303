package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

// RateLimiter keeps one token bucket per client. Authenticated requests are
// keyed by client id, anonymous ones by remote address.
type RateLimiter struct {
	rate     float64
	capacity int64

	mu      sync.Mutex
	clients map[string]*ratelimit.Bucket
}

// NewRateLimiter creates a limiter refilling rate tokens per second up to
// capacity.
func NewRateLimiter(rate float64, capacity int64) *RateLimiter {
	return &RateLimiter{
		rate:     rate,
		capacity: capacity,
		clients:  make(map[string]*ratelimit.Bucket),
	}
}

func (rl *RateLimiter) bucket(client string) *ratelimit.Bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.clients[client]
	if !ok {
		b = ratelimit.NewBucketWithRate(rl.rate, rl.capacity)
		rl.clients[client] = b
	}
	return b
}

// Prune drops buckets that are full again, i.e. idle clients.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for client, b := range rl.clients {
		if b.Available() == b.Capacity() {
			delete(rl.clients, client)
			n++
		}
	}
	return n
}

// RateLimit rejects requests beyond the client's budget with 429.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := GetClientID(r.Context())
			if client == "" {
				client = remoteHost(r.RemoteAddr)
			}

			b := rl.bucket(client)
			if b.TakeAvailable(1) == 0 {
				wait := time.Duration(float64(time.Second) / rl.rate)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(b.Available(), 10))
			next.ServeHTTP(w, r)
		})
	}
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
