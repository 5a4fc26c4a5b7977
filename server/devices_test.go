package main

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestGripperGuards(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	se := statusOf(t, ts.api.GripperHoming(ctx))
	if se.Status != http.StatusBadRequest || se.Detail != "Not connected" {
		t.Fatalf("unexpected homing rejection %d %q", se.Status, se.Detail)
	}
	if se := statusOf(t, ts.api.GripperStart(ctx)); se.Detail != "Not connected" {
		t.Fatalf("unexpected start rejection %q", se.Detail)
	}

	if err := ts.api.GripperConnect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if se := statusOf(t, ts.api.GripperSetTarget(ctx, 0.5, 0.5)); se.Detail != "Connect & home first" {
		t.Fatalf("unexpected target rejection %q", se.Detail)
	}

	for _, step := range []func(context.Context) error{ts.api.GripperHoming, ts.api.GripperStart} {
		if err := step(ctx); err != nil {
			t.Fatalf("gripper step: %v", err)
		}
	}
	if err := ts.api.GripperSetTarget(ctx, 1.5, 0.25); err != nil {
		t.Fatalf("set target: %v", err)
	}
	g, err := ts.api.GripperState(ctx)
	if err != nil || !g.Running || !g.Homed || len(g.TargetN) != 2 || g.TargetN[0] != 1 || g.TargetN[1] != 0.25 {
		t.Fatalf("unexpected gripper %+v, %v", g, err)
	}

	if err := ts.api.GripperDisconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if g, _ := ts.api.GripperState(ctx); g.Connected || g.Homed || g.TargetN != nil {
		t.Fatalf("expected reset gripper, got %+v", g)
	}
}

func TestTeleopNeedsRobotAndMaster(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	if se := statusOf(t, ts.api.TeleopStart(ctx, "position")); se.Detail != "Robot not ready" {
		t.Fatalf("unexpected rejection %q", se.Detail)
	}
	ts.api.RobotConnect(ctx, "10.0.0.2:50051")
	ts.api.RobotEnable(ctx, "position")
	if se := statusOf(t, ts.api.TeleopStart(ctx, "position")); se.Detail != "Master not connected" {
		t.Fatalf("unexpected rejection %q", se.Detail)
	}

	if err := ts.api.MasterConnect(ctx); err != nil {
		t.Fatalf("master connect: %v", err)
	}
	if err := ts.api.TeleopStart(ctx, "impedance"); err != nil {
		t.Fatalf("teleop start: %v", err)
	}
	st, err := ts.api.TeleopState(ctx)
	if err != nil || !st.Running || st.Mode != "impedance" {
		t.Fatalf("unexpected teleop %+v, %v", st, err)
	}

	if err := ts.api.MasterDisconnect(ctx); err != nil {
		t.Fatalf("master disconnect: %v", err)
	}
	if st, _ := ts.api.TeleopState(ctx); st.Running {
		t.Fatal("expected teleop to end with the master arm")
	}
}

func TestRecordLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	se := statusOf(t, ts.api.RecordStart(ctx))
	if se.Status != http.StatusServiceUnavailable || se.Detail != "Robot not connected" {
		t.Fatalf("unexpected rejection %d %q", se.Status, se.Detail)
	}

	ts.api.RobotConnect(ctx, "10.0.0.2:50051")
	if err := ts.api.RecordStart(ctx); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if se := statusOf(t, ts.api.RecordStart(ctx)); se.Status != http.StatusConflict {
		t.Fatalf("expected 409 while active, got %d", se.Status)
	}

	ts.clock.Advance(250 * time.Millisecond)
	st, err := ts.api.RecordState(ctx)
	if err != nil || !st.Active || st.Count != 25 || st.ElapsedMs != 250 {
		t.Fatalf("unexpected record state %+v, %v", st, err)
	}

	if err := ts.api.RecordStop(ctx); err != nil {
		t.Fatalf("record stop: %v", err)
	}
	ts.clock.Advance(time.Second)
	if st, _ := ts.api.RecordState(ctx); st.Active || st.ElapsedMs != 250 {
		t.Fatalf("expected frozen counters, got %+v", st)
	}
	if err := ts.api.RecordStop(ctx); err != nil {
		t.Fatalf("idempotent stop: %v", err)
	}
}
