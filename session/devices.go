package session

import (
	"context"
	"errors"
	"fmt"
)

// ConnectMaster opens the master arm and refreshes the device status.
func (s *Session) ConnectMaster(ctx context.Context) error {
	defer s.Devices.Tick(ctx)
	return s.API.MasterConnect(ctx)
}

// DisconnectMaster closes the master arm and refreshes the device status.
func (s *Session) DisconnectMaster(ctx context.Context) error {
	defer s.Devices.Tick(ctx)
	return s.API.MasterDisconnect(ctx)
}

// StartGripper connects, homes and starts the gripper, stopping at the
// first failing step.
func (s *Session) StartGripper(ctx context.Context) error {
	defer s.Devices.Tick(ctx)
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"connect", s.API.GripperConnect},
		{"homing", s.API.GripperHoming},
		{"start", s.API.GripperStart},
	}
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("gripper %s: %w", step.name, err)
		}
	}
	return nil
}

// StopGripper stops and disconnects the gripper. Both commands are sent
// even when the first fails.
func (s *Session) StopGripper(ctx context.Context) error {
	defer s.Devices.Tick(ctx)
	return errors.Join(s.API.GripperStop(ctx), s.API.GripperDisconnect(ctx))
}

// SetGripperTarget sets the normalized opening of both fingers. Values are
// clamped into [0,1].
func (s *Session) SetGripperTarget(ctx context.Context, right, left float64) error {
	clamp := func(v float64) float64 { return max(0, min(1, v)) }
	return s.API.GripperSetTarget(ctx, clamp(right), clamp(left))
}

// StartTeleop makes the arm follow the master arm in the configured
// control mode.
func (s *Session) StartTeleop(ctx context.Context) error {
	defer s.Devices.Tick(ctx)
	return s.API.TeleopStart(ctx, s.cfg.ControlMode)
}

// StopTeleop ends teleoperation.
func (s *Session) StopTeleop(ctx context.Context) error {
	defer s.Devices.Tick(ctx)
	return s.API.TeleopStop(ctx)
}
