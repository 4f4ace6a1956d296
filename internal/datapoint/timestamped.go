package datapoint

import "time"

// Timestamped pairs a value with the time it was last refreshed. A zero
// Updated means the value is unknown or expired; the last value stays
// inspectable.
type Timestamped[T any] struct {
	Value   T         `json:"value"`
	Updated time.Time `json:"updated"`
}

// Set stores v unless ts is older than the current timestamp.
func (t *Timestamped[T]) Set(v T, ts time.Time) {
	if ts.Before(t.Updated) {
		return
	}
	t.Value = v
	t.Updated = ts
}

// Valid reports whether the value is known.
func (t Timestamped[T]) Valid() bool {
	return !t.Updated.IsZero()
}

// Get returns the value and whether it is known.
func (t Timestamped[T]) Get() (T, bool) {
	return t.Value, t.Valid()
}

// Age returns how long ago the value was refreshed.
func (t Timestamped[T]) Age(now time.Time) time.Duration {
	if !t.Valid() {
		return 0
	}
	return now.Sub(t.Updated)
}

// Expire zeroes the timestamp when the value is older than maxAge.
// It returns true when the value expired during this call.
func (t *Timestamped[T]) Expire(now time.Time, maxAge time.Duration) bool {
	if !t.Valid() || now.Sub(t.Updated) <= maxAge {
		return false
	}
	t.Updated = time.Time{}
	return true
}

// Invalidate marks the value as unknown while keeping it.
func (t *Timestamped[T]) Invalidate() {
	t.Updated = time.Time{}
}
