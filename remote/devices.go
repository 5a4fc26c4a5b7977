package remote

import (
	"context"
	"net/http"
)

// MasterState is the leader arm used for teleoperation.
type MasterState struct {
	Device    string `json:"device"`
	Connected bool   `json:"connected"`
	Running   bool   `json:"running"`
}

// GripperState is the end effector. TargetN is the normalized
// [right, left] opening, nil until a target was set.
type GripperState struct {
	Connected bool      `json:"connected"`
	Homed     bool      `json:"homed"`
	Running   bool      `json:"running"`
	TargetN   []float64 `json:"target_n"`
}

// TeleopState reports whether the arm follows the master arm.
type TeleopState struct {
	Running bool   `json:"running"`
	Mode    string `json:"mode"`
}

// RecordState reports an ongoing joint recording.
type RecordState struct {
	Active    bool  `json:"active"`
	Count     int   `json:"count"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

// MasterState fetches the master arm state.
func (c *Client) MasterState(ctx context.Context) (MasterState, error) {
	var s MasterState
	err := c.do(ctx, "master state", http.MethodGet, "/master/state", nil, &s)
	return s, err
}

// MasterConnect opens the master arm device.
func (c *Client) MasterConnect(ctx context.Context) error {
	return c.do(ctx, "master connect", http.MethodPost, "/master/connect", nil, nil)
}

// MasterDisconnect closes the master arm device.
func (c *Client) MasterDisconnect(ctx context.Context) error {
	return c.do(ctx, "master disconnect", http.MethodPost, "/master/disconnect", nil, nil)
}

// GripperState fetches the gripper state.
func (c *Client) GripperState(ctx context.Context) (GripperState, error) {
	var s GripperState
	err := c.do(ctx, "gripper state", http.MethodGet, "/gripper/state", nil, &s)
	return s, err
}

func (c *Client) GripperConnect(ctx context.Context) error {
	return c.do(ctx, "gripper connect", http.MethodPost, "/gripper/connect", nil, nil)
}

func (c *Client) GripperHoming(ctx context.Context) error {
	return c.do(ctx, "gripper homing", http.MethodPost, "/gripper/homing", nil, nil)
}

func (c *Client) GripperStart(ctx context.Context) error {
	return c.do(ctx, "gripper start", http.MethodPost, "/gripper/start", nil, nil)
}

func (c *Client) GripperStop(ctx context.Context) error {
	return c.do(ctx, "gripper stop", http.MethodPost, "/gripper/stop", nil, nil)
}

func (c *Client) GripperDisconnect(ctx context.Context) error {
	return c.do(ctx, "gripper disconnect", http.MethodPost, "/gripper/disconnect", nil, nil)
}

// GripperSetTarget sets the normalized [right, left] opening, each in [0,1].
// The gripper must be connected and homed.
func (c *Client) GripperSetTarget(ctx context.Context, right, left float64) error {
	body := map[string][]float64{"n": {right, left}}
	return c.do(ctx, "gripper target", http.MethodPost, "/gripper/target/n", body, nil)
}

// TeleopState fetches the teleoperation state.
func (c *Client) TeleopState(ctx context.Context) (TeleopState, error) {
	var s TeleopState
	err := c.do(ctx, "teleop state", http.MethodGet, "/teleop/state", nil, &s)
	return s, err
}

// TeleopStart makes the arm follow the master arm in mode ("position" or
// "impedance").
func (c *Client) TeleopStart(ctx context.Context, mode string) error {
	return c.do(ctx, "teleop start", http.MethodPost, "/teleop/start", map[string]string{"mode": mode}, nil)
}

func (c *Client) TeleopStop(ctx context.Context) error {
	return c.do(ctx, "teleop stop", http.MethodPost, "/teleop/stop", nil, nil)
}

// RecordState fetches the recording counters.
func (c *Client) RecordState(ctx context.Context) (RecordState, error) {
	var s RecordState
	err := c.do(ctx, "record state", http.MethodGet, "/record/state", nil, &s)
	return s, err
}

func (c *Client) RecordStart(ctx context.Context) error {
	return c.do(ctx, "record start", http.MethodPost, "/record/start", nil, nil)
}

func (c *Client) RecordStop(ctx context.Context) error {
	return c.do(ctx, "record stop", http.MethodPost, "/record/stop", nil, nil)
}
