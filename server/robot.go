package main

import (
	"errors"
	"sync"
	"time"
)

var (
	errNotConnected = errors.New("robot not connected")
	errNotReady     = errors.New("robot not ready")
	errNoProject    = errors.New("no project loaded")
	errSeekPlaying  = errors.New("seek failed")
	errControlMode  = errors.New("control_mode must be position or impedance")
)

type robotState struct {
	Model       string `json:"model"`
	Address     string `json:"address"`
	Connected   bool   `json:"connected"`
	Ready       bool   `json:"ready"`
	PowerAllOn  bool   `json:"power_all_on"`
	ControlMode string `json:"control_mode,omitempty"`
	Playing     bool   `json:"playing"`
}

type playState struct {
	Playing   bool  `json:"playing"`
	MarkerMs  int64 `json:"marker_ms"`
	Connected bool  `json:"connected"`
	Ready     bool  `json:"ready"`
}

// simRobot stands in for the arm: connection and power flags plus a
// wall-clock playhead that stops at the project length.
type simRobot struct {
	now func() time.Time

	mu          sync.Mutex
	address     string
	connected   bool
	ready       bool
	controlMode string

	hasProject bool
	lengthMs   int64

	playing   bool
	markerMs  float64
	startMs   float64
	startedAt time.Time
}

func newSimRobot(now func() time.Time) *simRobot {
	if now == nil {
		now = time.Now
	}
	return &simRobot{now: now}
}

func (r *simRobot) Connect(address string) robotState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.address = address
	r.connected = true
	return r.stateLocked()
}

func (r *simRobot) Enable(mode string) (robotState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return r.stateLocked(), errNotConnected
	}
	switch mode {
	case "":
		mode = "position"
	case "position", "impedance":
	default:
		return r.stateLocked(), errControlMode
	}
	r.controlMode = mode
	r.ready = true
	return r.stateLocked(), nil
}

func (r *simRobot) Stop() robotState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.haltLocked()
	return r.stateLocked()
}

func (r *simRobot) Disconnect() robotState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.haltLocked()
	r.connected = false
	r.ready = false
	r.controlMode = ""
	return r.stateLocked()
}

// Readiness reports the connection and power flags.
func (r *simRobot) Readiness() (connected, ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.ready
}

func (r *simRobot) State() robotState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()
	return r.stateLocked()
}

// SetProject updates the length the playhead runs to.
func (r *simRobot) SetProject(lengthMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()
	r.hasProject = true
	r.lengthMs = lengthMs
}

// Start begins playback at t0Ms. Starting while playing is a no-op.
func (r *simRobot) Start(t0Ms float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case !r.connected:
		return errNotConnected
	case !r.ready:
		return errNotReady
	case !r.hasProject:
		return errNoProject
	}
	r.advanceLocked()
	if r.playing {
		return nil
	}
	r.playing = true
	r.markerMs = max(0, t0Ms)
	r.startMs = r.markerMs
	r.startedAt = r.now()
	return nil
}

// Halt stops playback, keeping the marker where it is.
func (r *simRobot) Halt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.haltLocked()
}

// Seek moves the marker. It fails while playing.
func (r *simRobot) Seek(markerMs float64) (playState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()
	if r.playing {
		return r.playStateLocked(), errSeekPlaying
	}
	r.markerMs = max(0, markerMs)
	return r.playStateLocked(), nil
}

func (r *simRobot) PlayState() playState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()
	return r.playStateLocked()
}

func (r *simRobot) haltLocked() {
	r.advanceLocked()
	r.playing = false
}

// advanceLocked moves the marker to the current wall-clock position and ends
// playback at the project length.
func (r *simRobot) advanceLocked() {
	if !r.playing {
		return
	}
	r.markerMs = r.startMs + float64(r.now().Sub(r.startedAt))/float64(time.Millisecond)
	if r.markerMs >= float64(r.lengthMs) {
		r.markerMs = float64(r.lengthMs)
		r.playing = false
	}
}

func (r *simRobot) stateLocked() robotState {
	return robotState{
		Model:       "A",
		Address:     r.address,
		Connected:   r.connected,
		Ready:       r.ready,
		PowerAllOn:  r.ready,
		ControlMode: r.controlMode,
		Playing:     r.playing,
	}
}

func (r *simRobot) playStateLocked() playState {
	return playState{
		Playing:   r.playing,
		MarkerMs:  int64(r.markerMs),
		Connected: r.connected,
		Ready:     r.ready,
	}
}
