package toolserver

import (
	"strings"
	"sync"
	"time"

	"github.com/standardbeagle/kbindex/internal/kberrors"
)

const (
	apiKeyPrefix      = "kb_"
	defaultRateLimit  = 60 // requests per window
	defaultRateWindow = time.Minute
)

// Authenticator validates the bearer token or "kb_"-prefixed API key
// carried in a request's Authorization header, per spec §6. An empty
// key set disables auth entirely (the --local serve mode).
type Authenticator struct {
	keys map[string]struct{}
}

// NewAuthenticator builds an Authenticator over the closed set of
// accepted keys.
func NewAuthenticator(keys []string) *Authenticator {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return &Authenticator{keys: set}
}

// Authenticate extracts the bearer token from an Authorization header
// value ("Bearer kb_...") and validates it against the accepted set.
// Returns the token as the caller's user identity for rate-limiting.
func (a *Authenticator) Authenticate(authHeader string) (string, error) {
	if len(a.keys) == 0 {
		return "anonymous", nil
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
	if token == authHeader {
		token = authHeader // no "Bearer" prefix present; accept the raw value
	}
	token = strings.TrimSpace(token)

	if !strings.HasPrefix(token, apiKeyPrefix) {
		return "", kberrors.New(kberrors.PermissionDenied, "toolserver.authenticate", nil)
	}
	if _, ok := a.keys[token]; !ok {
		return "", kberrors.New(kberrors.PermissionDenied, "toolserver.authenticate", nil)
	}
	return token, nil
}

// RateLimiter enforces a fixed-window request cap per (user, resource)
// pair, the granularity spec §6 names. Windows are lazily created and
// reset once their duration elapses, the same lazily-populated
// coordination-map idiom the analyzer's keyedMutex uses for per-path
// locks.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*bucket
}

type bucket struct {
	count      int
	windowEnds time.Time
}

// NewRateLimiter builds a RateLimiter allowing limit requests per
// window, per (user, resource) key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether a request for (user, resource) may proceed,
// incrementing the window's counter as a side effect.
func (r *RateLimiter) Allow(user, resource string) bool {
	key := user + "\x00" + resource

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	b, ok := r.buckets[key]
	if !ok || now.After(b.windowEnds) {
		b = &bucket{count: 0, windowEnds: now.Add(r.window)}
		r.buckets[key] = b
	}
	if b.count >= r.limit {
		return false
	}
	b.count++
	return true
}
