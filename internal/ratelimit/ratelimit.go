// Package ratelimit provides token buckets for websocket sessions and a
// per-client HTTP middleware.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Limiter is a token bucket refilled continuously at perSecond tokens per
// second, holding at most capacity tokens.
type Limiter struct {
	mu        sync.Mutex
	perSecond float64
	capacity  float64
	available float64
	last      time.Time
	clock     func() time.Time
}

func NewLimiter(perSecond float64, burst int) *Limiter {
	return newLimiterAt(perSecond, burst, time.Now)
}

func newLimiterAt(perSecond float64, burst int, clock func() time.Time) *Limiter {
	capacity := float64(max(burst, 1))
	return &Limiter{
		perSecond: perSecond,
		capacity:  capacity,
		available: capacity,
		last:      clock(),
		clock:     clock,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	ok, _ := l.take(float64(n))
	return ok
}

// take spends cost tokens if they are available. Otherwise it reports how
// long until they would be.
func (l *Limiter) take(cost float64) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.available = math.Min(l.capacity, l.available+now.Sub(l.last).Seconds()*l.perSecond)
	l.last = now

	if l.available >= cost {
		l.available -= cost
		return true, 0
	}
	if l.perSecond <= 0 {
		return false, time.Duration(math.MaxInt64)
	}
	return false, time.Duration((cost - l.available) / l.perSecond * float64(time.Second))
}

// idleSince reports whether the bucket has not been touched since cutoff.
func (l *Limiter) idleSince(cutoff time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last.Before(cutoff)
}

const (
	defaultIdleTTL = 10 * time.Minute
	sweepInterval  = time.Minute
	maxRetryAfter  = time.Hour
)

// ClientLimiters hands out one Limiter per client key and forgets clients
// that stay idle for longer than the idle TTL.
type ClientLimiters struct {
	mu        sync.Mutex
	buckets   map[string]*Limiter
	perSecond float64
	burst     int
	idleTTL   time.Duration
	clock     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewClientLimiters(perSecond float64, burst int) *ClientLimiters {
	cl := newClientLimiters(perSecond, burst, time.Now)
	go cl.sweepLoop()
	return cl
}

func newClientLimiters(perSecond float64, burst int, clock func() time.Time) *ClientLimiters {
	return &ClientLimiters{
		buckets:   make(map[string]*Limiter),
		perSecond: perSecond,
		burst:     burst,
		idleTTL:   defaultIdleTTL,
		clock:     clock,
		stop:      make(chan struct{}),
	}
}

func (cl *ClientLimiters) Get(key string) *Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	l, ok := cl.buckets[key]
	if !ok {
		l = newLimiterAt(cl.perSecond, cl.burst, cl.clock)
		cl.buckets[key] = l
	}
	return l
}

func (cl *ClientLimiters) Remove(key string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.buckets, key)
}

func (cl *ClientLimiters) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.buckets)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

// Middleware answers 429 with Retry-After once the caller's bucket is empty.
// Callers are keyed by remote IP, so it belongs after chi's RealIP.
func (cl *ClientLimiters) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := cl.Get(clientKey(r)).take(1)
		if !ok {
			w.Header().Set("Retry-After", retryAfter(wait))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfter renders whole seconds, rounded up, at least 1.
func retryAfter(wait time.Duration) string {
	wait = min(wait, maxRetryAfter)
	secs := int64(math.Ceil(wait.Seconds()))
	return strconv.FormatInt(max(secs, 1), 10)
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// sweep drops buckets idle for longer than the TTL and returns how many.
func (cl *ClientLimiters) sweep() int {
	cutoff := cl.clock().Add(-cl.idleTTL)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	dropped := 0
	for key, l := range cl.buckets {
		if l.idleSince(cutoff) {
			delete(cl.buckets, key)
			dropped++
		}
	}
	return dropped
}

func (cl *ClientLimiters) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.sweep()
		}
	}
}
