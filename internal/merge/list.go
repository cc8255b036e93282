// Package merge applies inbound events to ordered lists idempotently. It backs
// chat conversations and order timelines alike.
package merge

import (
	"time"

	"aquadrop/internal/models"
)

// Entry is implemented by list items. T is the item type itself, usually a pointer.
type Entry[T any] interface {
	// ServerKey returns the server-assigned identity, or "" when none is known.
	ServerKey() string
	// FallbackKey returns the composite identity for the given timestamp bucket.
	FallbackKey(bucket time.Duration) string
	// IsPlaceholder marks local optimistic items awaiting reconciliation.
	IsPlaceholder() bool
	// Reconciles reports how well the receiver matches placeholder p.
	Reconciles(p T, window time.Duration) models.MatchKind
	// Duplicates reports how well the receiver, which has no server key, matches
	// existing, an item the server already confirmed.
	Duplicates(existing T, window time.Duration) models.MatchKind
	// NewerThan reports whether the receiver is strictly newer than other.
	NewerThan(other T) bool
	// MergeFrom copies mutable fields from other into the receiver.
	MergeFrom(other T)
}

// Outcome describes what Apply did
type Outcome int

const (
	Ignored Outcome = iota
	Appended
	Updated
	Reconciled
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Updated:
		return "updated"
	case Reconciled:
		return "reconciled"
	default:
		return "ignored"
	}
}

// Options tune key derivation
type Options struct {
	// Bucket coarsens timestamps in fallback keys.
	Bucket time.Duration
	// Window bounds placeholder matching by content.
	Window time.Duration
}

// List is an ordered, deduplicated list. It is not safe for concurrent use;
// owners guard it with their own lock.
type List[T Entry[T]] struct {
	opts  Options
	items []T
}

// NewList creates an empty list
func NewList[T Entry[T]](opts Options) *List[T] {
	return &List[T]{opts: opts}
}

// Len returns the number of items
func (l *List[T]) Len() int {
	return len(l.items)
}

// Items returns the backing items in display order. Callers must not retain
// the slice across mutations.
func (l *List[T]) Items() []T {
	return l.items
}

// Append adds item at the tail without dedup checks. Used for local placeholders.
func (l *List[T]) Append(item T) {
	l.items = append(l.items, item)
}

// Find returns the item with the given server key
func (l *List[T]) Find(serverKey string) (T, int, bool) {
	var zero T
	if serverKey == "" {
		return zero, -1, false
	}
	for i, it := range l.items {
		if it.ServerKey() == serverKey {
			return it, i, true
		}
	}
	return zero, -1, false
}

// IndexOf returns the position of item compared by identity
func (l *List[T]) IndexOf(match func(T) bool) int {
	for i, it := range l.items {
		if match(it) {
			return i
		}
	}
	return -1
}

// Apply merges incoming into the list and returns the affected item.
//
// An existing server key updates in place only when incoming is strictly
// newer. Otherwise incoming reconciles the best placeholder (exact match over
// the oldest heuristic match). A copy without a server key is then checked
// against unkeyed items by fallback key and against confirmed items the same
// way placeholders are matched. Anything left is appended.
func (l *List[T]) Apply(incoming T) (T, Outcome) {
	if key := incoming.ServerKey(); key != "" {
		if existing, _, ok := l.Find(key); ok {
			if incoming.NewerThan(existing) {
				existing.MergeFrom(incoming)
				return existing, Updated
			}
			return existing, Ignored
		}
	}

	if placeholder, ok := l.matchPlaceholder(incoming); ok {
		placeholder.MergeFrom(incoming)
		return placeholder, Reconciled
	}

	if incoming.ServerKey() == "" {
		fk := incoming.FallbackKey(l.opts.Bucket)
		for _, it := range l.items {
			if it.ServerKey() == "" && !it.IsPlaceholder() && it.FallbackKey(l.opts.Bucket) == fk {
				if incoming.NewerThan(it) {
					it.MergeFrom(incoming)
					return it, Updated
				}
				return it, Ignored
			}
		}
		if confirmed, ok := l.matchConfirmed(incoming); ok {
			if incoming.NewerThan(confirmed) {
				confirmed.MergeFrom(incoming)
				return confirmed, Updated
			}
			return confirmed, Ignored
		}
	}

	l.items = append(l.items, incoming)
	return incoming, Appended
}

func (l *List[T]) matchPlaceholder(incoming T) (T, bool) {
	var heuristic T
	found := false
	for _, it := range l.items {
		if !it.IsPlaceholder() {
			continue
		}
		switch incoming.Reconciles(it, l.opts.Window) {
		case models.ExactMatch:
			return it, true
		case models.HeuristicMatch:
			if !found {
				heuristic = it
				found = true
			}
		}
	}
	return heuristic, found
}

func (l *List[T]) matchConfirmed(incoming T) (T, bool) {
	var heuristic T
	found := false
	for _, it := range l.items {
		if it.ServerKey() == "" || it.IsPlaceholder() {
			continue
		}
		switch incoming.Duplicates(it, l.opts.Window) {
		case models.ExactMatch:
			return it, true
		case models.HeuristicMatch:
			if !found {
				heuristic = it
				found = true
			}
		}
	}
	return heuristic, found
}

// Promote merges canonical into target and removes any other item already
// holding canonical's server key, so the key stays unique. It returns the
// removed items.
func (l *List[T]) Promote(target T, canonical T, same func(a, b T) bool) []T {
	var removed []T
	if key := canonical.ServerKey(); key != "" {
		kept := l.items[:0]
		for _, it := range l.items {
			if !same(it, target) && it.ServerKey() == key {
				removed = append(removed, it)
				continue
			}
			kept = append(kept, it)
		}
		for i := len(kept); i < len(l.items); i++ {
			var zero T
			l.items[i] = zero
		}
		l.items = kept
	}
	target.MergeFrom(canonical)
	return removed
}

// Remove deletes the first item matching pred and reports whether one was found
func (l *List[T]) Remove(pred func(T) bool) bool {
	for i, it := range l.items {
		if pred(it) {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return true
		}
	}
	return false
}
