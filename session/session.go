// Package session ties the timeline, playback, liveness and pose channel of
// one editing session together. Everything that would otherwise be process
// wide, including the robot model cache, lives on the Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/RainbowRobotics/teleop-editor/config"
	"github.com/RainbowRobotics/teleop-editor/liveness"
	"github.com/RainbowRobotics/teleop-editor/playback"
	"github.com/RainbowRobotics/teleop-editor/posechannel"
	"github.com/RainbowRobotics/teleop-editor/projectstore"
	"github.com/RainbowRobotics/teleop-editor/remote"
	"github.com/RainbowRobotics/teleop-editor/timeline"
)

var (
	// ErrNoStore is returned by local project operations when the session
	// was created without a project store.
	ErrNoStore = errors.New("no project store configured")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

const retryInitialInterval = 250 * time.Millisecond

// Session is one client session against a control service.
type Session struct {
	Model    *timeline.Model
	API      *remote.Client
	Playback *playback.Synchronizer
	Liveness *liveness.Tracker
	Motion   *posechannel.Channel
	Cache    *ModelCache
	Devices  *StatusPoller

	cfg     config.Agent
	log     *slog.Logger
	monitor *liveness.Monitor
	store   *projectstore.Store

	mu       sync.Mutex
	lastSeek int64

	heartbeatWanted atomic.Bool
	heartbeatWake   chan struct{}

	dropped   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	disposers []func()
}

// New builds a session for cfg.BackendURL. store may be nil.
func New(cfg config.Agent, store *projectstore.Store, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BackendURL == "" {
		return nil, errors.New("backend url is required")
	}
	motionURL, err := posechannel.MotionURL(cfg.BackendURL)
	if err != nil {
		return nil, err
	}
	heartbeatURL, err := liveness.HeartbeatURL(cfg.BackendURL, cfg.HeartbeatHz)
	if err != nil {
		return nil, err
	}

	api := remote.New(cfg.BackendURL)
	tracker := liveness.NewTracker(
		liveness.WithStaleAfter(cfg.StaleAfter),
		liveness.WithLogger(log.With("component", "liveness")),
	)
	s := &Session{
		Model: timeline.NewModel(),
		API:   api,
		Playback: playback.New(api,
			playback.WithPollInterval(cfg.PollInterval),
			playback.WithLogger(log.With("component", "playback")),
		),
		Liveness: tracker,
		Motion:   posechannel.New(motionURL, log.With("component", "motion")),
		Cache:    &ModelCache{},
		Devices:  NewStatusPoller(api, cfg.StatusInterval, log.With("component", "devices")),
		cfg:      cfg,
		log:      log,
		monitor:  liveness.NewMonitor(heartbeatURL, tracker, log.With("component", "heartbeat")),
		store:    store,
		lastSeek: -1,

		heartbeatWake: make(chan struct{}, 1),
		dropped:       make(chan struct{}, 1),
		closed:        make(chan struct{}),
	}

	s.disposers = append(s.disposers,
		s.Motion.OnOpen(func() { s.PushContext() }),
		s.Motion.OnClose(func() {
			select {
			case s.dropped <- struct{}{}:
			default:
			}
		}),
		s.Playback.Subscribe(s.followPlayback),
	)
	return s, nil
}

// followPlayback mirrors the marker into the model and, while not playing,
// asks the evaluator for the pose under the marker.
func (s *Session) followPlayback(st playback.State) {
	s.Model.SetPlayer(st.Player)
	if st.Status == playback.Playing {
		return
	}
	s.mu.Lock()
	changed := s.lastSeek != st.Player.TMs
	s.lastSeek = st.Player.TMs
	s.mu.Unlock()
	if changed {
		s.Motion.Seek(float64(st.Player.TMs))
	}
}

// Connect opens the pose channel, retrying with exponential backoff until it
// is up, ctx ends or the configured deadline passes. The heartbeat stream is
// not part of it; see ConnectQuest.
func (s *Session) Connect(ctx context.Context) error {
	op := func() error {
		select {
		case <-s.closed:
			return backoff.Permanent(ErrClosed)
		default:
		}
		if s.Motion.Connected() {
			return nil
		}
		return s.Motion.Connect(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxElapsedTime = s.cfg.ConnectMaxElapsed
	notify := func(err error, next time.Duration) {
		s.log.Warn("connect failed, retrying", "error", err, "retry_in", next)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("connect %s: %w", s.cfg.BackendURL, err)
	}
	s.log.Info("session connected", "backend", s.cfg.BackendURL)
	return nil
}

// Run connects and reconnects whenever the pose channel drops, and keeps the
// heartbeat stream up once ConnectQuest asked for it. It returns when ctx
// ends, the session is closed or a pose channel reconnect gives up.
// Heartbeat failures are logged and retried, never returned.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepHeartbeat(ctx)

	for {
		if err := s.Connect(ctx); err != nil {
			return err
		}
		select {
		case <-s.dropped:
		default:
		}
		if !s.Motion.Connected() {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrClosed
		case <-s.dropped:
		}
		s.log.Warn("pose channel lost, reconnecting")
	}
}

// keepHeartbeat holds the heartbeat stream open while it is wanted,
// redialing with backoff after failures and drops.
func (s *Session) keepHeartbeat(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxElapsedTime = 0

	wait := func(d time.Duration) bool {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-s.closed:
			return false
		case <-t.C:
			return true
		}
	}

	for {
		if s.heartbeatWanted.Load() {
			if err := s.monitor.Start(ctx); err != nil {
				next := b.NextBackOff()
				s.log.Warn("heartbeat connect failed, retrying", "error", err, "retry_in", next)
				if !wait(next) {
					return
				}
				continue
			}
			b.Reset()
			select {
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			case <-s.monitor.Done():
				s.log.Warn("heartbeat stream lost, reconnecting")
				if !wait(retryInitialInterval) {
					return
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-s.heartbeatWake:
		}
	}
}

func (s *Session) wantHeartbeat(ctx context.Context) {
	s.heartbeatWanted.Store(true)
	if err := s.monitor.Start(ctx); err != nil {
		s.log.Warn("heartbeat connect failed", "error", err)
	}
	select {
	case s.heartbeatWake <- struct{}{}:
	default:
	}
}

// PushContext sends the current timeline to the evaluator. It reports
// whether the message was queued.
func (s *Session) PushContext() bool {
	return s.Motion.SetContext(s.Model.Snapshot())
}

// SaveProject stores the timeline locally under name.
func (s *Session) SaveProject(name string) error {
	if s.store == nil {
		return ErrNoStore
	}
	return s.store.Save(name, s.Model.Snapshot())
}

// LoadProject restores a locally stored timeline and pushes it.
func (s *Session) LoadProject(name string) error {
	if s.store == nil {
		return ErrNoStore
	}
	snap, err := s.store.Load(name)
	if err != nil {
		return err
	}
	s.Model.Restore(snap)
	s.PushContext()
	return nil
}

// Projects lists locally stored timelines.
func (s *Session) Projects() ([]string, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.List()
}

// SaveRemote uploads the timeline to the control service.
func (s *Session) SaveRemote(ctx context.Context) error {
	return s.API.SaveProject(ctx, s.Model.Snapshot())
}

// LoadRemote replaces the timeline with the service's copy and pushes it.
func (s *Session) LoadRemote(ctx context.Context) error {
	snap, err := s.API.LoadProject(ctx)
	if err != nil {
		return err
	}
	s.Model.Restore(snap)
	s.PushContext()
	return nil
}

// ConnectQuest asks the service to pair with the headset and records its
// address. It then opens the heartbeat stream; a heartbeat failure only
// leaves the transport down and Run keeps retrying it.
func (s *Session) ConnectQuest(ctx context.Context, req remote.QuestConnectRequest) error {
	if err := s.API.QuestConnect(ctx, req); err != nil {
		return err
	}
	ep := s.Model.Endpoints()
	ep.QuestAddress = req.QuestIP
	s.Model.SetEndpoints(ep)
	s.wantHeartbeat(ctx)
	return nil
}

// DisconnectQuest unpairs the headset. The heartbeat stream stays open so
// the peer is reported stale once frames stop.
func (s *Session) DisconnectQuest(ctx context.Context) error {
	return s.API.QuestDisconnect(ctx)
}

// ConnectRobot connects the service to the arm at address and records it.
func (s *Session) ConnectRobot(ctx context.Context, address string) error {
	if err := s.API.RobotConnect(ctx, address); err != nil {
		return err
	}
	ep := s.Model.Endpoints()
	ep.RobotAddress = address
	s.Model.SetEndpoints(ep)
	s.Cache.Reset()
	return nil
}

// RobotModel returns the cached robot model, loading it from the service on
// first use.
func (s *Session) RobotModel(ctx context.Context) (RobotModel, error) {
	return s.Cache.Load(ctx, func(ctx context.Context) (RobotModel, error) {
		st, err := s.API.RobotState(ctx)
		if err != nil {
			return RobotModel{}, err
		}
		return RobotModel{
			Address:    st.Address,
			Connected:  st.Connected,
			JointNames: s.Model.JointNames(),
		}, nil
	})
}

// Close stops polling, the heartbeat and the pose channel. It is safe to
// call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		for _, dispose := range s.disposers {
			dispose()
		}
		s.Playback.Close()
		s.Devices.Stop()
		s.monitor.Stop()
		s.Motion.Close()
		s.log.Info("session closed")
	})
}
