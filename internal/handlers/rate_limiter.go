package handlers

import (
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const anonymousActor = "anonymous"

// actorLimiter hands every actor a token bucket that refills limit tokens per window.
// Buckets untouched for a full window are dropped on the next sweep.
type actorLimiter struct {
	refill rate.Limit
	burst  int
	window time.Duration
	clock  func() time.Time

	mu        sync.Mutex
	buckets   map[string]*actorBucket
	lastSweep time.Time
}

type actorBucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

func newActorLimiter(limit int, window time.Duration, clock func() time.Time) *actorLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &actorLimiter{
		refill:  rate.Every(window / time.Duration(limit)),
		burst:   limit,
		window:  window,
		clock:   clock,
		buckets: make(map[string]*actorBucket),
	}
}

// take consumes one token for actor. When the bucket is empty it reports how long
// the caller should wait before retrying.
func (l *actorLimiter) take(actor string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = anonymousActor
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.window {
		for key, bucket := range l.buckets {
			if now.Sub(bucket.lastSeen) >= l.window {
				delete(l.buckets, key)
			}
		}
		l.lastSweep = now
	}

	bucket, ok := l.buckets[actor]
	if !ok {
		bucket = &actorBucket{tokens: rate.NewLimiter(l.refill, l.burst)}
		l.buckets[actor] = bucket
	}
	bucket.lastSeen = now

	reservation := bucket.tokens.ReserveN(now, 1)
	if !reservation.OK() {
		return false, l.window
	}
	if wait := reservation.DelayFrom(now); wait > 0 {
		reservation.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// retryAfterSeconds renders a wait as the whole-second value of a Retry-After header.
func retryAfterSeconds(wait time.Duration) int {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
