package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestDeviceStatesDecode(t *testing.T) {
	bodies := map[string]string{
		"/master/state":  `{"device":"/dev/ttyUSB0","connected":true,"running":false}`,
		"/gripper/state": `{"connected":true,"homed":true,"running":true,"target_n":[0.25,0.75],"min_q":[0,0]}`,
		"/teleop/state":  `{"running":true,"mode":"impedance"}`,
		"/record/state":  `{"active":true,"count":120,"elapsed_ms":2400}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := bodies[r.URL.Path]
		if !ok || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	m, err := c.MasterState(ctx)
	if err != nil || !m.Connected || m.Device != "/dev/ttyUSB0" {
		t.Fatalf("master state %+v, %v", m, err)
	}
	g, err := c.GripperState(ctx)
	if err != nil || !g.Homed || len(g.TargetN) != 2 || g.TargetN[1] != 0.75 {
		t.Fatalf("gripper state %+v, %v", g, err)
	}
	tl, err := c.TeleopState(ctx)
	if err != nil || !tl.Running || tl.Mode != "impedance" {
		t.Fatalf("teleop state %+v, %v", tl, err)
	}
	rec, err := c.RecordState(ctx)
	if err != nil || !rec.Active || rec.Count != 120 || rec.ElapsedMs != 2400 {
		t.Fatalf("record state %+v, %v", rec, err)
	}
}

func TestDeviceCommandsHitEndpoints(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var target map[string][]float64
	var teleop map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		mu.Lock()
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/gripper/target/n":
			json.NewDecoder(r.Body).Decode(&target)
		case "/teleop/start":
			json.NewDecoder(r.Body).Decode(&teleop)
		}
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()
	calls := []func(context.Context) error{
		c.MasterConnect,
		c.GripperConnect,
		c.GripperHoming,
		c.GripperStart,
		func(ctx context.Context) error { return c.GripperSetTarget(ctx, 0.2, 0.8) },
		func(ctx context.Context) error { return c.TeleopStart(ctx, "position") },
		c.TeleopStop,
		c.RecordStart,
		c.RecordStop,
		c.GripperStop,
		c.GripperDisconnect,
		c.MasterDisconnect,
	}
	for _, call := range calls {
		if err := call(ctx); err != nil {
			t.Fatalf("command failed: %v", err)
		}
	}

	want := []string{
		"/master/connect", "/gripper/connect", "/gripper/homing", "/gripper/start",
		"/gripper/target/n", "/teleop/start", "/teleop/stop", "/record/start",
		"/record/stop", "/gripper/stop", "/gripper/disconnect", "/master/disconnect",
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != len(want) {
		t.Fatalf("got paths %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("call %d hit %s, want %s", i, paths[i], want[i])
		}
	}
	if n := target["n"]; len(n) != 2 || n[0] != 0.2 || n[1] != 0.8 {
		t.Fatalf("unexpected gripper target body %v", target)
	}
	if teleop["mode"] != "position" {
		t.Fatalf("unexpected teleop body %v", teleop)
	}
}
