package main

import (
	"errors"
	"net/http"
	"sync"
	"time"
)

const recordRateHz = 100

var (
	errGripperNotConnected = errors.New("Not connected")
	errGripperNotHomed     = errors.New("Connect & home first")
	errTeleopRobot         = errors.New("Robot not ready")
	errTeleopMaster        = errors.New("Master not connected")
	errRecordRobot         = errors.New("Robot not connected")
	errRecordActive        = errors.New("Recording already active")
	errTargetShape         = errors.New("n must hold [right, left]")
)

type masterState struct {
	Device    string `json:"device"`
	Connected bool   `json:"connected"`
	Running   bool   `json:"running"`
}

type gripperState struct {
	Connected bool      `json:"connected"`
	Homed     bool      `json:"homed"`
	Running   bool      `json:"running"`
	TargetN   []float64 `json:"target_n"`
}

type teleopState struct {
	Running bool   `json:"running"`
	Mode    string `json:"mode"`
}

type recordState struct {
	Active    bool  `json:"active"`
	Count     int   `json:"count"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

// simDevices stands in for the master arm, the gripper, the teleoperation
// loop and the joint recorder. Teleop and recording consult the robot.
type simDevices struct {
	robot *simRobot
	now   func() time.Time

	mu      sync.Mutex
	master  masterState
	gripper gripperState
	teleop  teleopState

	recording bool
	recStart  time.Time
	recElapse time.Duration
}

func newSimDevices(robot *simRobot, now func() time.Time) *simDevices {
	if now == nil {
		now = time.Now
	}
	return &simDevices{robot: robot, now: now, master: masterState{Device: "/dev/ttyUSB0"}}
}

func (d *simDevices) Master() masterState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.master
}

func (d *simDevices) ConnectMaster() masterState {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.master.Connected = true
	d.master.Running = true
	return d.master
}

// DisconnectMaster closes the master arm and ends teleoperation with it.
func (d *simDevices) DisconnectMaster() masterState {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.master.Connected = false
	d.master.Running = false
	d.teleop.Running = false
	return d.master
}

func (d *simDevices) Gripper() gripperState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gripperLocked()
}

func (d *simDevices) ConnectGripper() gripperState {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gripper.Connected = true
	return d.gripperLocked()
}

func (d *simDevices) HomeGripper() (gripperState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.gripper.Connected {
		return d.gripperLocked(), errGripperNotConnected
	}
	d.gripper.Homed = true
	return d.gripperLocked(), nil
}

func (d *simDevices) StartGripper() (gripperState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.gripper.Connected {
		return d.gripperLocked(), errGripperNotConnected
	}
	d.gripper.Running = true
	return d.gripperLocked(), nil
}

func (d *simDevices) StopGripper() gripperState {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gripper.Running = false
	return d.gripperLocked()
}

func (d *simDevices) DisconnectGripper() gripperState {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gripper = gripperState{}
	return d.gripperLocked()
}

// SetGripperTarget stores the clamped [right, left] opening.
func (d *simDevices) SetGripperTarget(n []float64) (gripperState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.gripper.Connected || !d.gripper.Homed {
		return d.gripperLocked(), errGripperNotHomed
	}
	if len(n) != 2 {
		return d.gripperLocked(), errTargetShape
	}
	d.gripper.TargetN = []float64{max(0, min(1, n[0])), max(0, min(1, n[1]))}
	return d.gripperLocked(), nil
}

func (d *simDevices) gripperLocked() gripperState {
	g := d.gripper
	g.TargetN = append([]float64(nil), g.TargetN...)
	return g
}

func (d *simDevices) Teleop() teleopState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.teleop
}

func (d *simDevices) StartTeleop(mode string) (teleopState, error) {
	connected, ready := d.robot.Readiness()
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case !connected || !ready:
		return d.teleop, errTeleopRobot
	case !d.master.Connected:
		return d.teleop, errTeleopMaster
	}
	switch mode {
	case "":
		mode = "position"
	case "position", "impedance":
	default:
		return d.teleop, errControlMode
	}
	d.teleop = teleopState{Running: true, Mode: mode}
	return d.teleop, nil
}

func (d *simDevices) StopTeleop() teleopState {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teleop.Running = false
	return d.teleop
}

func (d *simDevices) Record() recordState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recordLocked()
}

func (d *simDevices) StartRecord() error {
	if connected, _ := d.robot.Readiness(); !connected {
		return errRecordRobot
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.recording {
		return errRecordActive
	}
	d.recording = true
	d.recStart = d.now()
	d.recElapse = 0
	return nil
}

// StopRecord ends the recording, if any, and returns the final counters.
func (d *simDevices) StopRecord() recordState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.recording {
		d.recElapse = d.now().Sub(d.recStart)
		d.recording = false
	}
	return d.recordLocked()
}

// recordLocked samples at recordRateHz for the recorded duration.
func (d *simDevices) recordLocked() recordState {
	elapsed := d.recElapse
	if d.recording {
		elapsed = d.now().Sub(d.recStart)
	}
	return recordState{
		Active:    d.recording,
		Count:     int(elapsed * recordRateHz / time.Second),
		ElapsedMs: elapsed.Milliseconds(),
	}
}

func (a *app) handleMasterState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.devices.Master())
}

func (a *app) handleMasterConnect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.devices.ConnectMaster())
}

func (a *app) handleMasterDisconnect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.devices.DisconnectMaster())
}

func (a *app) handleGripperState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.devices.Gripper())
}

func (a *app) handleGripperConnect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.devices.ConnectGripper())
}

func (a *app) handleGripperHoming(w http.ResponseWriter, r *http.Request) {
	writeGripper(w, a.devices.HomeGripper)
}

func (a *app) handleGripperStart(w http.ResponseWriter, r *http.Request) {
	writeGripper(w, a.devices.StartGripper)
}

func (a *app) handleGripperStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.devices.StopGripper())
}

func (a *app) handleGripperDisconnect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.devices.DisconnectGripper())
}

func (a *app) handleGripperTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		N []float64 `json:"n"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := a.devices.SetGripperTarget(req.N)
	switch {
	case errors.Is(err, errTargetShape):
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		writeDetail(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

func writeGripper(w http.ResponseWriter, op func() (gripperState, error)) {
	st, err := op()
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *app) handleTeleopState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.devices.Teleop())
}

func (a *app) handleTeleopStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := a.devices.StartTeleop(req.Mode)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	a.log.Info("teleop started", "mode", st.Mode)
	writeJSON(w, http.StatusOK, st)
}

func (a *app) handleTeleopStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.devices.StopTeleop())
}

func (a *app) handleRecordState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.devices.Record())
}

func (a *app) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	switch err := a.devices.StartRecord(); {
	case errors.Is(err, errRecordRobot):
		writeDetail(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, errRecordActive):
		writeDetail(w, http.StatusConflict, err.Error())
	default:
		writeJSON(w, http.StatusOK, okBody)
	}
}

func (a *app) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	st := a.devices.StopRecord()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": st.Count, "elapsed_ms": st.ElapsedMs})
}
