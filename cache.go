package apiclient

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// CacheKey identifies a cached resource collection. Keys follow a
// resource-path convention: a collection endpoint path acts as its own
// key, and segments join with "/". The coordinator treats keys as opaque
// strings and performs exact or segment-prefix matching only.
type CacheKey string

// JoinCacheKey builds a key from an ordered tuple of identifiers.
//
// Example:
//
//	apiclient.JoinCacheKey("decisions", decisionID) // "decisions/42"
func JoinCacheKey(parts ...string) CacheKey {
	return CacheKey(strings.Join(parts, "/"))
}

// matches reports whether invalidating key makes a subscription for sub
// stale: the keys are equal, or key is a segment prefix of sub.
// "decisions" matches "decisions/42" but not "decisions-archive".
func (key CacheKey) matches(sub CacheKey) bool {
	if key == sub {
		return true
	}
	return strings.HasPrefix(string(sub), string(key)+"/")
}

// InvalidationFunc is called with each key whose data became stale. It
// must not refetch synchronously; marking the cached read stale is enough,
// the next read triggers a fresh fetch.
type InvalidationFunc func(key CacheKey)

type cacheSubscription struct {
	key CacheKey
	fn  InvalidationFunc
}

// Invalidator notifies subscribers after a successful mutation so stale
// reads are refreshed. It holds no cache state of its own, only the
// registry of interested subscribers.
type Invalidator struct {
	mu     sync.Mutex
	subs   map[*cacheSubscription]struct{}
	logger *slog.Logger
}

// NewInvalidator creates an empty invalidation coordinator.
func NewInvalidator(logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{
		subs:   make(map[*cacheSubscription]struct{}),
		logger: logger,
	}
}

// Subscribe registers fn for a key. The returned cancel func removes the
// subscription; calling it more than once is safe.
func (i *Invalidator) Subscribe(key CacheKey, fn InvalidationFunc) (cancel func()) {
	sub := &cacheSubscription{key: key, fn: fn}

	i.mu.Lock()
	i.subs[sub] = struct{}{}
	i.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			i.mu.Lock()
			delete(i.subs, sub)
			i.mu.Unlock()
		})
	}
}

// Invalidate notifies every subscriber whose key is an exact or prefix
// match of one of keys. Each subscriber is notified at most once per call
// even when several keys match it. Invalidating a key with no subscribers
// is a no-op, never an error.
func (i *Invalidator) Invalidate(keys ...CacheKey) {
	i.mu.Lock()
	var matched []*cacheSubscription
	for sub := range i.subs {
		for _, key := range keys {
			if key.matches(sub.key) {
				matched = append(matched, sub)
				break
			}
		}
	}
	i.mu.Unlock()

	if len(matched) == 0 {
		return
	}
	i.logger.Debug("invalidating cache subscriptions",
		"keys", keys,
		"subscribers", len(matched))
	for _, sub := range matched {
		sub.fn(sub.key)
	}
}

// SubscriberCount returns the number of active subscriptions. Intended for
// tests and diagnostics.
func (i *Invalidator) SubscriberCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.subs)
}

// Mutate executes a mutation request through exec and, when it settles
// successfully, invalidates the request's cache keys. Read requests and
// failed mutations invalidate nothing.
func Mutate(ctx context.Context, exec Executor, inv *Invalidator, req *Request) (*Response, error) {
	resp, err := exec.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if inv != nil && req.IsMutation() && len(req.InvalidateKeys) > 0 {
		inv.Invalidate(req.InvalidateKeys...)
	}
	return resp, nil
}
