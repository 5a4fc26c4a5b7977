// Package playback keeps the locally displayed playback marker in step with
// the control service, which owns the authoritative marker.
package playback

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RainbowRobotics/teleop-editor/observer"
	"github.com/RainbowRobotics/teleop-editor/remote"
	"github.com/RainbowRobotics/teleop-editor/timeline"
)

// DefaultPollInterval is how often the server marker is sampled.
const DefaultPollInterval = 200 * time.Millisecond

// API is the subset of the control service used for playback.
type API interface {
	PlayState(ctx context.Context) (remote.PlayState, error)
	PlayStart(ctx context.Context, t0Ms int64) error
	PlayStop(ctx context.Context) error
	PlaySeek(ctx context.Context, markerMs int64) error
}

// Status is the displayed transport state.
type Status int

const (
	Stopped Status = iota
	Paused
	Playing
)

func (s Status) String() string {
	switch s {
	case Paused:
		return "paused"
	case Playing:
		return "playing"
	default:
		return "stopped"
	}
}

// ServerMarker is the last marker sample taken from the server; it anchors
// extrapolation while playing.
type ServerMarker struct {
	MarkerMs  int64
	Playing   bool
	SampledAt time.Time
}

// State is a copy of the synchronizer's state.
type State struct {
	Status Status
	Player timeline.PlayerState
	Server ServerMarker
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithClock replaces time.Now. The clock must be monotonic for the
// extrapolation to be meaningful.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// WithPollInterval sets the server polling period.
func WithPollInterval(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.log = l }
}

// Synchronizer reconciles the local marker with the server.
//
// Local state is provisional: Seek, Pause and Stop commit locally even when
// the server cannot be reached, and the next successful poll reconciles.
type Synchronizer struct {
	api      API
	now      func() time.Time
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	status Status
	player timeline.PlayerState
	server ServerMarker

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	inFlight   atomic.Bool

	listeners observer.Registry[func(State)]
}

// New returns a stopped synchronizer with the marker at 0.
func New(api API, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		api:      api,
		now:      time.Now,
		interval: DefaultPollInterval,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn for state changes and returns its disposer.
func (s *Synchronizer) Subscribe(fn func(State)) func() {
	return s.listeners.Add(fn)
}

// State returns the current state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Synchronizer) stateLocked() State {
	return State{Status: s.status, Player: s.player, Server: s.server}
}

// UIMarkerMs is the marker to display right now. While playing it is the
// last server sample advanced by the time elapsed since it was taken;
// otherwise it is the local marker.
func (s *Synchronizer) UIMarkerMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uiMarkerLocked()
}

func (s *Synchronizer) uiMarkerLocked() int64 {
	if !s.player.Playing {
		return max(0, s.player.TMs)
	}
	elapsed := max(0, s.now().Sub(s.server.SampledAt))
	ms := float64(s.server.MarkerMs) + float64(elapsed)/float64(time.Millisecond)
	return max(0, int64(math.Round(ms)))
}

// Play starts playback from the displayed marker.
func (s *Synchronizer) Play(ctx context.Context) error {
	return s.PlayFrom(ctx, s.UIMarkerMs())
}

// PlayFrom starts playback from t0Ms. A rejected or failed start command is
// returned unchanged and leaves the state untouched.
func (s *Synchronizer) PlayFrom(ctx context.Context, t0Ms int64) error {
	t0Ms = max(0, t0Ms)
	if err := s.api.PlayStart(ctx, t0Ms); err != nil {
		return err
	}

	s.mu.Lock()
	s.status = Playing
	s.player.Playing = true
	s.server = ServerMarker{MarkerMs: t0Ms, Playing: true, SampledAt: s.now()}
	st := s.stateLocked()
	s.mu.Unlock()

	s.log.Info("playback started", "t0_ms", t0Ms)
	s.notify(st)
	s.ensurePolling()
	return nil
}

// Seek moves the marker to ms, rounded and clamped at 0. The local marker is
// committed and playback shown as stopped whether or not the server
// accepted the command.
func (s *Synchronizer) Seek(ctx context.Context, ms float64) {
	marker := int64(math.Round(math.Max(0, ms)))
	if err := s.api.PlaySeek(ctx, marker); err != nil {
		s.log.Warn("seek not delivered", "marker_ms", marker, "error", err)
	}

	s.mu.Lock()
	s.player = timeline.PlayerState{TMs: marker, Playing: false}
	s.status = idleStatus(marker)
	st := s.stateLocked()
	s.mu.Unlock()

	s.notify(st)
}

// Pause stops playback and settles on the server's final marker. When the
// server cannot be read the marker freezes at its last extrapolated value.
func (s *Synchronizer) Pause(ctx context.Context) {
	if err := s.api.PlayStop(ctx); err != nil {
		s.log.Warn("pause not delivered", "error", err)
	}
	ps, err := s.api.PlayState(ctx)

	s.mu.Lock()
	if err == nil {
		s.server = ServerMarker{MarkerMs: ps.MarkerMs, Playing: false, SampledAt: s.now()}
		s.player = timeline.PlayerState{TMs: ps.MarkerMs}
	} else {
		s.log.Warn("pause could not read final marker", "error", err)
		s.player = timeline.PlayerState{TMs: s.uiMarkerLocked()}
	}
	s.status = idleStatus(s.player.TMs)
	st := s.stateLocked()
	s.mu.Unlock()

	s.notify(st)
}

// Stop halts playback and rewinds both the local and the server marker to 0.
func (s *Synchronizer) Stop(ctx context.Context) {
	if err := s.api.PlayStop(ctx); err != nil {
		s.log.Warn("stop not delivered", "error", err)
	}

	s.mu.Lock()
	s.player = timeline.PlayerState{}
	s.status = Stopped
	st := s.stateLocked()
	s.mu.Unlock()

	s.notify(st)
	s.Seek(ctx, 0)
}

// Refresh performs one poll now. It reports whether a server sample was
// adopted; it is skipped while another poll is outstanding.
func (s *Synchronizer) Refresh(ctx context.Context) bool {
	return s.tick(ctx)
}

// Close stops the poller. It is safe to call more than once and no poll
// result is applied after it returns.
func (s *Synchronizer) Close() {
	s.pollMu.Lock()
	cancel, done := s.pollCancel, s.pollDone
	s.pollCancel, s.pollDone = nil, nil
	s.pollMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Polling reports whether the poller is running.
func (s *Synchronizer) Polling() bool {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	return s.pollCancel != nil
}

func (s *Synchronizer) ensurePolling() {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if s.pollCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.pollCancel, s.pollDone = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Synchronizer) tick(ctx context.Context) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer s.inFlight.Store(false)

	ps, err := s.api.PlayState(ctx)
	if err != nil {
		s.log.Debug("play state poll failed", "error", err)
		return false
	}
	if ctx.Err() != nil {
		return false
	}

	s.mu.Lock()
	s.server = ServerMarker{MarkerMs: ps.MarkerMs, Playing: ps.Playing, SampledAt: s.now()}
	s.player.Playing = ps.Playing
	if ps.Playing {
		s.status = Playing
	} else {
		s.player.TMs = ps.MarkerMs
		s.status = idleStatus(ps.MarkerMs)
	}
	st := s.stateLocked()
	s.mu.Unlock()

	s.notify(st)
	return true
}

func (s *Synchronizer) notify(st State) {
	s.listeners.Each(func(fn func(State)) { fn(st) })
}

func idleStatus(markerMs int64) Status {
	if markerMs > 0 {
		return Paused
	}
	return Stopped
}
