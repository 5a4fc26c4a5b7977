package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RainbowRobotics/teleop-editor/observer"
	"github.com/RainbowRobotics/teleop-editor/remote"
)

// DefaultStatusInterval is the device status polling period.
const DefaultStatusInterval = time.Second

// DeviceAPI is the part of the control service the status poller reads.
type DeviceAPI interface {
	RobotState(ctx context.Context) (remote.RobotState, error)
	MasterState(ctx context.Context) (remote.MasterState, error)
	GripperState(ctx context.Context) (remote.GripperState, error)
	TeleopState(ctx context.Context) (remote.TeleopState, error)
	RecordState(ctx context.Context) (remote.RecordState, error)
}

// DeviceStatus is the last known state of every device behind the service.
// A device whose fetch failed keeps its previous value.
type DeviceStatus struct {
	Robot     remote.RobotState   `json:"robot"`
	Master    remote.MasterState  `json:"master"`
	Gripper   remote.GripperState `json:"gripper"`
	Teleop    remote.TeleopState  `json:"teleop"`
	Record    remote.RecordState  `json:"record"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// StatusPoller refreshes all device states together on a fixed period.
type StatusPoller struct {
	api      DeviceAPI
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	status DeviceStatus

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	inFlight   atomic.Bool

	listeners observer.Registry[func(DeviceStatus)]
}

// NewStatusPoller returns a stopped poller. A non-positive interval uses
// DefaultStatusInterval.
func NewStatusPoller(api DeviceAPI, interval time.Duration, log *slog.Logger) *StatusPoller {
	if interval <= 0 {
		interval = DefaultStatusInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &StatusPoller{api: api, interval: interval, log: log}
}

// Subscribe registers fn for every completed refresh and returns its
// disposer.
func (p *StatusPoller) Subscribe(fn func(DeviceStatus)) func() {
	return p.listeners.Add(fn)
}

// Status returns the last known device states.
func (p *StatusPoller) Status() DeviceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.status
	st.Gripper.TargetN = append([]float64(nil), st.Gripper.TargetN...)
	return st
}

// Start begins polling with an immediate first refresh. It is a no-op while
// running.
func (p *StatusPoller) Start() {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()
	if p.pollCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.pollCancel, p.pollDone = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Tick(ctx)
			}
		}
	}()
}

// Stop ends polling. No refresh is applied after it returns.
func (p *StatusPoller) Stop() {
	p.pollMu.Lock()
	cancel, done := p.pollCancel, p.pollDone
	p.pollCancel, p.pollDone = nil, nil
	p.pollMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the poller is started.
func (p *StatusPoller) Running() bool {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()
	return p.pollCancel != nil
}

// Tick refreshes every device once, concurrently. It is skipped, and
// reports false, while another refresh is outstanding.
func (p *StatusPoller) Tick(ctx context.Context) bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer p.inFlight.Store(false)

	next := p.Status()
	var g errgroup.Group
	g.Go(func() error {
		s, err := p.api.RobotState(ctx)
		if err == nil {
			next.Robot = s
		}
		return err
	})
	g.Go(func() error {
		s, err := p.api.MasterState(ctx)
		if err == nil {
			next.Master = s
		}
		return err
	})
	g.Go(func() error {
		s, err := p.api.GripperState(ctx)
		if err == nil {
			next.Gripper = s
		}
		return err
	})
	g.Go(func() error {
		s, err := p.api.TeleopState(ctx)
		if err == nil {
			next.Teleop = s
		}
		return err
	})
	g.Go(func() error {
		s, err := p.api.RecordState(ctx)
		if err == nil {
			next.Record = s
		}
		return err
	})
	if err := g.Wait(); err != nil {
		p.log.Debug("device status refresh incomplete", "error", err)
	}
	if ctx.Err() != nil {
		return false
	}
	next.UpdatedAt = time.Now()

	p.mu.Lock()
	p.status = next
	p.mu.Unlock()

	p.listeners.Each(func(fn func(DeviceStatus)) { fn(next) })
	return true
}
