// Package timers tracks the intervals, timeouts and immediates scheduled
// by agent code so they can be paused, captured and re-armed on another
// node with their remaining delay.
package timers

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/iambrandonn/roam/internal/clock"
	"github.com/iambrandonn/roam/internal/snapshot"
)

// ErrNotPaused is returned by Capture on a running registry.
var ErrNotPaused = errors.New("timers: registry must be paused before capture")

// minDelay is the delay used for immediates and for timers whose
// remaining delay has run out.
const minDelay = time.Millisecond

// Callback is what a timer runs. URI names the labeled function in the
// scope arena so the timer can be captured.
type Callback struct {
	URI string
	Fn  func()
}

// Registry owns the timers of one process. Callbacks are never run by
// the registry itself: they are handed to post, which must enqueue them
// on the process event loop without blocking and without calling back
// into the registry.
type Registry struct {
	mu     sync.Mutex
	clock  clock.Clock
	post   func(func())
	timers map[string]*timer
	next   int
	paused bool
}

type timer struct {
	id     string
	kind   string
	cb     Callback
	period time.Duration

	// calledAt is the last firing, or the point from which the current
	// delay is measured. due is always calledAt+period while armed.
	calledAt  time.Time
	stoppedAt time.Time
	remaining time.Duration

	handle *clock.Timer
	gen    uint64
}

// New creates an empty registry.
func New(clk clock.Clock, post func(func())) *Registry {
	return &Registry{
		clock:  clk,
		post:   post,
		timers: make(map[string]*timer),
		next:   1,
	}
}

// SetInterval runs cb every period until cleared.
func (r *Registry) SetInterval(cb Callback, period time.Duration) string {
	return r.add(snapshot.TimerInterval, cb, period)
}

// SetTimeout runs cb once after delay.
func (r *Registry) SetTimeout(cb Callback, delay time.Duration) string {
	return r.add(snapshot.TimerTimeout, cb, delay)
}

// SetImmediate runs cb once as soon as possible.
func (r *Registry) SetImmediate(cb Callback) string {
	return r.add(snapshot.TimerImmediate, cb, 0)
}

func (r *Registry) add(kind string, cb Callback, period time.Duration) string {
	if period < 0 {
		period = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := strconv.Itoa(r.next)
	r.next++
	t := &timer{id: id, kind: kind, cb: cb, period: period}
	r.timers[id] = t
	r.start(t, period)
	return id
}

// start arms t, or records it as stopped when the registry is paused.
func (r *Registry) start(t *timer, remaining time.Duration) {
	now := r.clock.Now()
	t.calledAt = now.Add(remaining - t.period)
	if r.paused {
		t.stoppedAt = now
		t.remaining = remaining
		return
	}
	r.arm(t, remaining)
}

func (r *Registry) arm(t *timer, d time.Duration) {
	if t.handle != nil {
		t.handle.Stop()
	}
	if d < minDelay {
		d = minDelay
	}
	t.gen++
	gen := t.gen
	t.stoppedAt = time.Time{}
	t.handle = r.clock.AfterFunc(d, func() { r.fire(t, gen) })
}

func (r *Registry) fire(t *timer, gen uint64) {
	r.mu.Lock()
	if r.timers[t.id] != t || t.gen != gen || r.paused {
		r.mu.Unlock()
		return
	}
	t.calledAt = r.clock.Now()
	if t.kind == snapshot.TimerInterval {
		r.arm(t, t.period)
	} else {
		t.handle = nil
		delete(r.timers, t.id)
	}
	// Posting under the lock keeps a fired one-shot visible to Len until
	// its callback is queued.
	if t.cb.Fn != nil {
		r.post(t.cb.Fn)
	}
	r.mu.Unlock()
}

// Clear cancels a timer. It reports whether the timer existed.
func (r *Registry) Clear(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[id]
	if !ok {
		return false
	}
	if t.handle != nil {
		t.handle.Stop()
		t.handle = nil
	}
	delete(r.timers, id)
	return true
}

// Pause stops every native handle and records each timer's remaining
// delay. Pausing a paused registry is a no-op.
func (r *Registry) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return
	}
	r.paused = true
	now := r.clock.Now()
	for _, t := range r.timers {
		if t.handle != nil {
			t.handle.Stop()
			t.handle = nil
		}
		t.gen++
		t.stoppedAt = now
		t.remaining = t.period - now.Sub(t.calledAt)
		if t.remaining < 0 {
			t.remaining = 0
		}
		if t.remaining > t.period {
			t.remaining = t.period
		}
	}
}

// Resume re-arms every timer with its remaining delay. Intervals return
// to their full period after that first firing.
func (r *Registry) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return
	}
	r.paused = false
	for _, t := range r.timers {
		r.start(t, t.remaining)
	}
}

// Paused reports whether the registry is paused.
func (r *Registry) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Len reports the number of live timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Remaining returns the delay until timer id next fires.
func (r *Registry) Remaining(id string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[id]
	if !ok {
		return 0, false
	}
	if r.paused {
		return t.remaining, true
	}
	rem := t.period - r.clock.Now().Sub(t.calledAt)
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

// Capture describes every live timer. The registry must be paused.
func (r *Registry) Capture() (map[string]snapshot.Timer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return nil, ErrNotPaused
	}
	out := make(map[string]snapshot.Timer, len(r.timers))
	for id, t := range r.timers {
		out[id] = snapshot.Timer{
			Type:        t.kind,
			CallbackURI: t.cb.URI,
			Timedelta:   t.period.Milliseconds(),
			CalledAt:    t.calledAt.UnixMilli(),
			StoppedAt:   t.stoppedAt.UnixMilli(),
		}
	}
	return out, nil
}

// RestoreTimer recreates a captured timer under its original id and
// arms it with its remaining delay.
func (r *Registry) RestoreTimer(id string, st snapshot.Timer, cb Callback) error {
	switch st.Type {
	case snapshot.TimerInterval, snapshot.TimerTimeout, snapshot.TimerImmediate:
	default:
		return fmt.Errorf("timers: timer %s has unknown type %q", id, st.Type)
	}
	n, err := strconv.Atoi(id)
	if err != nil || n <= 0 {
		return fmt.Errorf("timers: invalid timer id %q", id)
	}
	if st.ClearedAt != 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.timers[id]; exists {
		return fmt.Errorf("timers: timer %s already exists", id)
	}
	if n >= r.next {
		r.next = n + 1
	}
	t := &timer{
		id:     id,
		kind:   st.Type,
		cb:     cb,
		period: time.Duration(st.Timedelta) * time.Millisecond,
	}
	r.timers[id] = t
	r.start(t, st.Remaining())
	return nil
}

// Restore recreates every captured timer, resolving callback URIs with
// resolve.
func (r *Registry) Restore(captured map[string]snapshot.Timer, resolve func(uri string) (func(), error)) error {
	var errs []error
	for _, id := range snapshot.SortedIDs(captured) {
		st := captured[id]
		fn, err := resolve(st.CallbackURI)
		if err != nil {
			errs = append(errs, fmt.Errorf("timer %s: %w", id, err))
			continue
		}
		if err := r.RestoreTimer(id, st, Callback{URI: st.CallbackURI, Fn: fn}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops every timer.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		if t.handle != nil {
			t.handle.Stop()
		}
		delete(r.timers, id)
	}
}
