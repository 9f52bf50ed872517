// Package broadcast implements ThrottledBroadcaster: per-key rate-ceiling
// emission with last-value coalescing, so downstream consumers never see
// more than one update per key per minInterval, but never miss the final
// value of a burst.
//
// Per-key state lives in a sync.Map, one mutex per key, the same
// no-global-locks, serialize-per-entity idiom the teacher applies to
// SubscriptionSet and ConnectionPool in connection.go.
package broadcast

import (
	"sync"
	"time"

	"github.com/adred-codev/marketfeed/internal/metrics"
)

// Emitter is called with the coalesced value when a key's timer fires or an
// event is emitted immediately. Implementations must not block.
type Emitter[T any] func(key string, value T)

// keyState holds the per-key coalescing state, guarded by its own mutex.
type keyState[T any] struct {
	mu       sync.Mutex
	lastEmit time.Time
	pending  *T
	timer    *time.Timer
}

// Throttle enforces a single minInterval ceiling across all keys it tracks,
// implementing spec §4.2's algorithm: immediate emit if the ceiling has
// elapsed, otherwise arm (or update) a one-shot timer that emits the latest
// pending value.
type Throttle[T any] struct {
	minInterval time.Duration
	emit        Emitter[T]
	label       string // metrics label: "immediate" | "deferred" dimension prefix

	keys sync.Map // string -> *keyState[T]
}

// New builds a Throttle with the given minimum inter-emission interval.
func New[T any](minInterval time.Duration, emit Emitter[T]) *Throttle[T] {
	return &Throttle[T]{minInterval: minInterval, emit: emit}
}

func (t *Throttle[T]) stateFor(key string) *keyState[T] {
	v, _ := t.keys.LoadOrStore(key, &keyState[T]{})
	return v.(*keyState[T])
}

// Offer feeds a newly arrived value for key into the throttle. It emits
// immediately if the ceiling has elapsed, otherwise coalesces into the
// key's pending slot and (if not already armed) schedules a one-shot timer.
func (t *Throttle[T]) Offer(key string, value T) {
	st := t.stateFor(key)

	st.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(st.lastEmit)

	if st.lastEmit.IsZero() || elapsed >= t.minInterval {
		st.lastEmit = now
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.pending = nil
		st.mu.Unlock()

		metrics.ThrottleEmitted.WithLabelValues("immediate").Inc()
		t.emit(key, value)
		return
	}

	if st.timer != nil {
		// A timer is already armed; just update the value it will emit.
		st.pending = &value
		st.mu.Unlock()
		metrics.ThrottleCoalesced.WithLabelValues(key).Inc()
		return
	}

	delay := t.minInterval - elapsed
	st.pending = &value
	st.timer = time.AfterFunc(delay, func() { t.fire(key) })
	st.mu.Unlock()
}

// fire emits the key's current pending value when its timer expires.
func (t *Throttle[T]) fire(key string) {
	st := t.stateFor(key)

	st.mu.Lock()
	value := st.pending
	st.pending = nil
	st.timer = nil
	st.lastEmit = time.Now()
	st.mu.Unlock()

	if value == nil {
		return
	}
	metrics.ThrottleEmitted.WithLabelValues("deferred").Inc()
	t.emit(key, *value)
}

// Flush emits any armed key's pending value immediately, stopping its
// timer. Used during graceful shutdown: spec §5 requires flushing armed
// throttle timers (emit last value) before closing broker clients.
func (t *Throttle[T]) Flush() {
	t.keys.Range(func(k, v any) bool {
		key := k.(string)
		st := v.(*keyState[T])

		st.mu.Lock()
		value := st.pending
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.pending = nil
		st.mu.Unlock()

		if value != nil {
			t.emit(key, *value)
		}
		return true
	})
}
