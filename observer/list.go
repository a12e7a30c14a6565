// Package observer implements the small type-tagged subscriber fabric
// shared by ClusterProxy, NodeProxy, and MasterProxy: a list of
// subscriptions keyed by an opaque, caller-chosen key, with uniqueness by
// key (subscribing an already-present key replaces it rather than adding a
// duplicate) and copy-before-fanout iteration so that a subscriber may
// unsubscribe from within its own callback without corrupting the walk.
package observer

import "sync"

// List holds subscriptions of type S, keyed by an opaque comparable key.
// The zero value is ready to use.
type List[S any] struct {
	mu   sync.Mutex
	keys []any
	subs []S
}

// Subscribe adds sub under key, replacing any existing subscription with
// the same key. A nil key is a subscription-contract violation (spec.md
// §7): it is silently ignored and Subscribe reports false.
func (l *List[S]) Subscribe(key any, sub S) bool {
	if key == nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i, k := range l.keys {
		if k == key {
			l.subs[i] = sub
			return true
		}
	}

	l.keys = append(l.keys, key)
	l.subs = append(l.subs, sub)
	return true
}

// Unsubscribe removes the subscription registered under key, if any. A nil
// key, or a key with no matching subscription, is a no-op.
func (l *List[S]) Unsubscribe(key any) {
	if key == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i, k := range l.keys {
		if k == key {
			l.keys = append(l.keys[:i], l.keys[i+1:]...)
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy of the current subscriptions, safe to range over
// while the underlying list is concurrently mutated (e.g. a subscriber
// unsubscribing from within its own callback during fan-out).
func (l *List[S]) Snapshot() []S {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]S, len(l.subs))
	copy(out, l.subs)
	return out
}

// Len reports the current number of subscriptions.
func (l *List[S]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}
