// Package liveness decides whether a streaming peer is producing fresh data
// or merely holding its connection open.
package liveness

import (
	"log/slog"
	"sync"
	"time"

	"github.com/RainbowRobotics/teleop-editor/observer"
)

// DefaultStaleAfter is how long the peer may go without a fresh sequence
// number before it is considered stale.
const DefaultStaleAfter = time.Second

// State is a copy of the tracker's state. LastSeq is -1 until a sequence
// number has been seen on the current connection.
type State struct {
	TransportUp      bool
	PeerLive         bool
	LastSeq          int64
	StaleTimerActive bool
}

// Timer is the handle returned by an AfterFunc implementation.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStaleAfter sets the staleness window.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.staleAfter = d
		}
	}
}

// WithAfterFunc replaces time.AfterFunc.
func WithAfterFunc(f AfterFunc) Option {
	return func(t *Tracker) { t.afterFunc = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// Tracker flips PeerLive on forward sequence progress and off after a quiet
// period. The first sequence seen on a connection only sets the baseline: a
// single frame may be a stale retained one, so liveness needs progress.
type Tracker struct {
	staleAfter time.Duration
	afterFunc  AfterFunc
	log        *slog.Logger

	mu    sync.Mutex
	state State
	timer Timer
	// gen identifies the armed timer; callbacks of superseded timers
	// compare unequal and do nothing.
	gen uint64

	listeners observer.Registry[func(State)]
}

// NewTracker returns a tracker with the transport down.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		staleAfter: DefaultStaleAfter,
		afterFunc:  realAfterFunc,
		log:        slog.Default(),
		state:      State{LastSeq: -1},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe registers fn for state changes and returns its disposer.
func (t *Tracker) Subscribe(fn func(State)) func() {
	return t.listeners.Add(fn)
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Open marks the transport up and starts a fresh sequence baseline.
func (t *Tracker) Open() {
	t.mu.Lock()
	t.state = State{TransportUp: true, LastSeq: -1}
	t.armLocked()
	st := t.state
	t.mu.Unlock()

	t.log.Info("peer transport up")
	t.notify(st)
}

// Observe feeds one inbound sequence number. Sequences that do not advance
// past the last one are ignored entirely. It reports whether seq advanced.
func (t *Tracker) Observe(seq int64) bool {
	t.mu.Lock()
	if !t.state.TransportUp || seq <= t.state.LastSeq {
		t.mu.Unlock()
		return false
	}

	changed := false
	if t.state.LastSeq >= 0 && !t.state.PeerLive {
		t.state.PeerLive = true
		changed = true
	}
	t.state.LastSeq = seq
	t.armLocked()
	st := t.state
	t.mu.Unlock()

	if changed {
		t.log.Info("peer live", "seq", seq)
		t.notify(st)
	}
	return true
}

// Close marks the transport down, clears liveness and cancels the stale
// timer. It is safe to call when already closed.
func (t *Tracker) Close() {
	t.mu.Lock()
	wasUp := t.state.TransportUp || t.state.PeerLive
	t.state.TransportUp = false
	t.state.PeerLive = false
	t.cancelLocked()
	st := t.state
	t.mu.Unlock()

	if wasUp {
		t.log.Info("peer transport down")
		t.notify(st)
	}
}

func (t *Tracker) armLocked() {
	t.cancelLocked()
	t.gen++
	gen := t.gen
	t.timer = t.afterFunc(t.staleAfter, func() { t.expire(gen) })
	t.state.StaleTimerActive = true
}

func (t *Tracker) cancelLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	t.state.StaleTimerActive = false
}

func (t *Tracker) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.gen++
	t.timer = nil
	t.state.StaleTimerActive = false
	wasLive := t.state.PeerLive
	t.state.PeerLive = false
	st := t.state
	t.mu.Unlock()

	if wasLive {
		t.log.Warn("peer stale", "last_seq", st.LastSeq, "after", t.staleAfter)
		t.notify(st)
	}
}

func (t *Tracker) notify(st State) {
	t.listeners.Each(func(fn func(State)) { fn(st) })
}
