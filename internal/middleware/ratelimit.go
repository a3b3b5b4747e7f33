package middleware

import (
	"net/http"
	"strconv"
	"sync"

	"vision-api/internal/api/response"
	"vision-api/internal/pkg/errors"
	"vision-api/internal/services"
)

// StreamLimiter caps the protected actions a single user may have in
// flight. Quota is enforced separately by the metered gate.
type StreamLimiter struct {
	max      int
	mu       sync.Mutex
	inFlight map[string]int
}

// NewStreamLimiter returns a limiter allowing max concurrent requests per
// user. max <= 0 disables the limit.
func NewStreamLimiter(max int) *StreamLimiter {
	return &StreamLimiter{
		max:      max,
		inFlight: make(map[string]int),
	}
}

func (l *StreamLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := services.UserIDFromContext(r.Context())
		if userID == "" || l.max <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !l.acquire(userID) {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-Concurrency-Limit", strconv.Itoa(l.max))
			response.Error(w, errors.Wrap(errors.ErrTooManyStreams,
				"Too many concurrent requests. Wait for a running analysis to finish."))
			return
		}
		defer l.release(userID)

		next.ServeHTTP(w, r)
	})
}

func (l *StreamLimiter) acquire(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight[userID] >= l.max {
		return false
	}
	l.inFlight[userID]++
	return true
}

func (l *StreamLimiter) release(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight[userID] <= 1 {
		delete(l.inFlight, userID)
		return
	}
	l.inFlight[userID]--
}

// InFlight reports the user's running requests.
func (l *StreamLimiter) InFlight(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight[userID]
}
