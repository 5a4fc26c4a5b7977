package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RainbowRobotics/teleop-editor/posechannel"
	"github.com/RainbowRobotics/teleop-editor/remote"
	"github.com/RainbowRobotics/teleop-editor/timeline"
)

type testServer struct {
	*httptest.Server
	app   *app
	clock *testClock
	api   *remote.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := quietLogger()
	hub := newHub(log)
	go hub.run(ctx)
	quest := newQuestService(log)
	t.Cleanup(quest.Stop)

	clock := newTestClock()
	a := newApp(log, hub, localRelay{hub: hub}, newMemoryRepo(), quest, newSimRobot(clock.Now))
	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, app: a, clock: clock, api: remote.New(srv.URL)}
}

func demoSnapshot() timeline.Snapshot {
	m := timeline.NewModel()
	src := m.AddSource(timeline.Source{ID: "ramp", Dt: 0.01, Frames: [][]float64{{0, 0}, {10, 1}, {20, 2}, {30, 3}}})
	m.AddClipFromSource(src, timeline.ClipOptions{OutFrame: 4, Blend: timeline.BlendPatch{
		InMs:  ptr[int64](0),
		OutMs: ptr[int64](0),
	}})
	return m.Snapshot()
}

func ptr[T any](v T) *T { return &v }

func statusOf(t *testing.T, err error) *remote.StatusError {
	t.Helper()
	var se *remote.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *remote.StatusError, got %v", err)
	}
	return se
}

func TestPlayLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	se := statusOf(t, ts.api.PlayStart(ctx, 0))
	if se.Status != http.StatusConflict || se.Detail != "robot not connected" {
		t.Fatalf("unexpected rejection %d %q", se.Status, se.Detail)
	}

	if err := ts.api.RobotConnect(ctx, "10.0.0.2:50051"); err != nil {
		t.Fatalf("robot connect: %v", err)
	}
	if err := ts.api.RobotEnable(ctx, "position"); err != nil {
		t.Fatalf("robot enable: %v", err)
	}
	se = statusOf(t, ts.api.PlayStart(ctx, 0))
	if se.Detail != "no project loaded" {
		t.Fatalf("unexpected detail %q", se.Detail)
	}

	if err := ts.api.SaveProject(ctx, demoSnapshot()); err != nil {
		t.Fatalf("save project: %v", err)
	}
	if err := ts.api.PlayStart(ctx, 10); err != nil {
		t.Fatalf("play start: %v", err)
	}
	ts.clock.Advance(15 * time.Millisecond)
	st, err := ts.api.PlayState(ctx)
	if err != nil || !st.Playing || st.MarkerMs != 25 {
		t.Fatalf("expected playing at 25, got %+v, %v", st, err)
	}

	se = statusOf(t, ts.api.PlaySeek(ctx, 5))
	if se.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for seek while playing, got %d", se.Status)
	}

	ts.clock.Advance(time.Second)
	st, _ = ts.api.PlayState(ctx)
	if st.Playing || st.MarkerMs != 40 {
		t.Fatalf("expected stop at project length, got %+v", st)
	}

	if err := ts.api.PlaySeek(ctx, 12); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if err := ts.api.PlayStop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st, _ = ts.api.PlayState(ctx)
	if st.MarkerMs != 12 {
		t.Fatalf("expected marker 12, got %+v", st)
	}
}

func TestRobotEnableRequiresConnect(t *testing.T) {
	ts := newTestServer(t)
	se := statusOf(t, ts.api.RobotEnable(context.Background(), "position"))
	if se.Status != http.StatusBadRequest || se.Detail != "robot not connected" {
		t.Fatalf("unexpected rejection %d %q", se.Status, se.Detail)
	}
}

func TestProjectRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	empty, err := ts.api.LoadProject(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(empty.JointNames) != len(timeline.DefaultJointNames) || len(empty.Clips) != 0 {
		t.Fatalf("unexpected empty project %+v", empty)
	}

	want := demoSnapshot()
	if err := ts.api.SaveProject(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := ts.api.LoadProject(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.LengthMs != want.LengthMs || len(got.Clips) != 1 || got.Clips[0].ID != want.Clips[0].ID {
		t.Fatalf("project mismatch: %+v", got)
	}
}

func TestQuestConnectFailureReportsOK(t *testing.T) {
	ts := newTestServer(t)
	err := ts.api.QuestConnect(context.Background(), remote.QuestConnectRequest{LocalIP: "127.0.0.1", LocalPort: 70000, QuestIP: "127.0.0.1"})
	se := statusOf(t, err)
	if se.Detail != "Failed to start UDP listener" {
		t.Fatalf("unexpected detail %q", se.Detail)
	}
}

func connectMotion(t *testing.T, ts *testServer) *posechannel.Channel {
	t.Helper()
	wsURL, err := posechannel.MotionURL(ts.URL)
	if err != nil {
		t.Fatalf("motion url: %v", err)
	}
	ch := posechannel.New(wsURL, quietLogger())
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(ch.Close)
	return ch
}

func TestMotionSeekBroadcastsPose(t *testing.T) {
	ts := newTestServer(t)
	sender := connectMotion(t, ts)
	watcher := connectMotion(t, ts)

	poses := make(chan posechannel.Pose, 8)
	watcher.OnPose(func(p posechannel.Pose) { poses <- p })

	nextPose := func() posechannel.Pose {
		t.Helper()
		select {
		case p := <-poses:
			return p
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for broadcast pose")
		}
		return posechannel.Pose{}
	}

	// The watcher's own seek proves it is registered with the hub.
	watcher.Seek(0)
	if p := nextPose(); p.TMs != 0 {
		t.Fatalf("unexpected first pose %+v", p)
	}

	sender.SetContext(demoSnapshot())
	sender.Seek(15)
	p := nextPose()
	if p.TMs != 15 || len(p.Q) != 2 || p.Q[0] != 15 || p.Q[1] != 1.5 {
		t.Fatalf("unexpected pose %+v", p)
	}
}

func TestMotionPrefetchRepliesToSender(t *testing.T) {
	ts := newTestServer(t)
	ch := connectMotion(t, ts)

	results := make(chan posechannel.PrefetchResult, 1)
	ch.OnPrefetch(func(r posechannel.PrefetchResult) { results <- r })

	ch.SetContext(demoSnapshot())
	ch.Prefetch(20, 40, 10)

	select {
	case r := <-results:
		if r.T0Ms != 0 || r.StepMs != 10 || len(r.Poses) != 5 || r.Poses[4][0] != 30 {
			t.Fatalf("unexpected prefetch result %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for prefetch result")
	}
}

func TestQuestStreamRelaysStampedFrames(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.app.quest.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start quest: %v", err)
	}
	sendUDP(t, ts.app.quest.LocalAddr(), `{"hand":1}`)
	waitFrame(t, ts.app.quest, 1)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/quest?hz=100"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for range 2 {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var frame map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil || frame["_server_seq"] != float64(1) {
			t.Fatalf("unexpected frame %s", raw)
		}
	}
}

func TestQuestStreamRejectsBadRate(t *testing.T) {
	ts := newTestServer(t)
	for _, hz := range []string{"0", "201", "fast"} {
		resp, err := http.Get(ts.URL + "/ws/quest?hz=" + hz)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("hz=%s: expected 422, got %d", hz, resp.StatusCode)
		}
	}
}
