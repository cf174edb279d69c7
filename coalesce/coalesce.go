// Package coalesce deduplicates concurrent fetches: at most one fetch is
// in flight per key, and every caller that arrives while it runs receives
// the same outcome. Without it, N simultaneous cache misses for one topic
// page would each hit the upstream.
package coalesce

import "golang.org/x/sync/singleflight"

// Group fans a single fetch's result out to all concurrent callers of
// the same key. Errors propagate verbatim to every waiter.
type Group[T any] struct {
	sf singleflight.Group
}

// Do runs fn for the first caller of key and parks later callers until
// it resolves. shared reports whether the result was delivered to more
// than one caller. Once resolved, the key is free for a fresh fetch.
func (g *Group[T]) Do(key string, fn func() (T, error)) (value T, shared bool, err error) {
	v, err, shared := g.sf.Do(key, func() (any, error) {
		return fn()
	})
	if v != nil {
		value = v.(T)
	}
	return value, shared, err
}
