// SPDX-License-Identifier: MIT

package ingest

import (
	"sync"

	"golang.org/x/time/rate"
)

// OwnerLimits is a per-owner token bucket registry. Owners are independent:
// one owner flooding uploads never starves another.
type OwnerLimits struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewOwnerLimits allows r uploads per second with the given burst per owner.
func NewOwnerLimits(r float64, burst int) *OwnerLimits {
	if burst < 1 {
		burst = 1
	}
	return &OwnerLimits{
		limiters: map[string]*rate.Limiter{},
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow consumes one token from the owner's bucket.
func (l *OwnerLimits) Allow(ownerID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ownerID]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[ownerID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
