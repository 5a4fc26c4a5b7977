package posechannel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RainbowRobotics/teleop-editor/timeline"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// motionServer answers seek with junk followed by a pose, prefetch with a
// prefetch_result, and records set_context payloads.
func motionServer(t *testing.T, contexts chan<- timeline.Snapshot) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			switch msg["type"] {
			case TypeSetContext:
				var m SetContextMessage
				json.Unmarshal(raw, &m)
				contexts <- m.Project
				ws.WriteJSON(map[string]any{"type": TypeAck, "ok": true})
			case TypeSeek:
				ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"pose"`))
				ws.WriteJSON(map[string]any{"type": "pose", "q": "not an array"})
				ws.WriteJSON(map[string]any{"type": "mystery"})
				ws.WriteJSON(map[string]any{"type": "pose", "t_ms": msg["t_ms"], "q": []float64{0.1, 0.2}})
			case TypePrefetch:
				ws.WriteJSON(map[string]any{
					"type":    TypePrefetchResult,
					"t0_ms":   msg["center_ms"].(float64) - msg["window_ms"].(float64)/2,
					"step_ms": msg["step_ms"],
					"count":   2,
					"poses":   [][]float64{{1, 2}, {3, 4}},
				})
			}
		}
	}))
}

func connect(t *testing.T, srv *httptest.Server) *Channel {
	t.Helper()
	wsURL, err := MotionURL(srv.URL)
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	ch := New(wsURL, quietLogger())
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return ch
}

func TestMotionURL(t *testing.T) {
	got, err := MotionURL("https://robot.local:8443/")
	if err != nil {
		t.Fatalf("MotionURL: %v", err)
	}
	if got != "wss://robot.local:8443/ws/motion" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestSeekDeliversPoseAndSkipsMalformed(t *testing.T) {
	srv := motionServer(t, make(chan timeline.Snapshot, 1))
	defer srv.Close()
	ch := connect(t, srv)
	defer ch.Close()

	poses := make(chan Pose, 4)
	ch.OnPose(func(p Pose) { poses <- p })

	if !ch.Seek(1250.6) {
		t.Fatal("expected seek to be sent")
	}

	select {
	case p := <-poses:
		if p.TMs != 1251 || len(p.Q) != 2 || p.Q[1] != 0.2 {
			t.Fatalf("unexpected pose %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pose")
	}
	select {
	case p := <-poses:
		t.Fatalf("malformed frame leaked as pose %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPrefetchResult(t *testing.T) {
	srv := motionServer(t, make(chan timeline.Snapshot, 1))
	defer srv.Close()
	ch := connect(t, srv)
	defer ch.Close()

	results := make(chan PrefetchResult, 1)
	ch.OnPrefetch(func(r PrefetchResult) { results <- r })

	ch.Prefetch(5000, DefaultPrefetchWindowMs, DefaultPrefetchStepMs)

	select {
	case r := <-results:
		if r.T0Ms != 3000 || r.StepMs != DefaultPrefetchStepMs || len(r.Poses) != 2 {
			t.Fatalf("unexpected result %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for prefetch result")
	}
}

func TestSetContextSendsSnapshot(t *testing.T) {
	contexts := make(chan timeline.Snapshot, 1)
	srv := motionServer(t, contexts)
	defer srv.Close()
	ch := connect(t, srv)
	defer ch.Close()

	m := timeline.NewModel()
	src := m.AddSource(timeline.Source{ID: "s", Dt: 0.01, Frames: [][]float64{{0}, {1}}})
	m.AddClipFromSource(src, timeline.ClipOptions{OutFrame: 2})

	ch.SetContext(m.Snapshot())

	select {
	case snap := <-contexts:
		if snap.LengthMs != 20 || len(snap.Clips) != 1 || snap.Clips[0].SourceID != "s" {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for context")
	}
	if last, ok := ch.LastContext(); !ok || last.LengthMs != 20 {
		t.Fatalf("expected remembered context, got %+v", last)
	}
}

func TestSendWhileClosedIsNoop(t *testing.T) {
	ch := New("ws://127.0.0.1:1/ws/motion", quietLogger())

	if ch.Seek(10) || ch.Prefetch(0, 100, 10) || ch.SetContext(timeline.Snapshot{}) {
		t.Fatal("expected sends on a closed channel to be dropped")
	}
	if _, ok := ch.LastContext(); !ok {
		t.Fatal("expected context to be remembered for re-send")
	}
	ch.Close()
}

func TestDisposerRemovesListener(t *testing.T) {
	srv := motionServer(t, make(chan timeline.Snapshot, 1))
	defer srv.Close()
	ch := connect(t, srv)
	defer ch.Close()

	first := make(chan Pose, 4)
	second := make(chan Pose, 4)
	dispose := ch.OnPose(func(p Pose) { first <- p })
	ch.OnPose(func(p Pose) { second <- p })
	dispose()

	ch.Seek(1)
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pose")
	}
	select {
	case <-first:
		t.Fatal("disposed listener received a pose")
	default:
	}
}

func TestOpenAndCloseListeners(t *testing.T) {
	srv := motionServer(t, make(chan timeline.Snapshot, 1))
	defer srv.Close()
	wsURL, _ := MotionURL(srv.URL)
	ch := New(wsURL, quietLogger())

	opened, closed := 0, 0
	ch.OnOpen(func() { opened++ })
	ch.OnClose(func() { closed++ })

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !ch.Connected() {
		t.Fatal("expected connected")
	}
	ch.Close()
	ch.Close()

	if opened != 1 || closed != 1 {
		t.Fatalf("expected one open and one close, got %d/%d", opened, closed)
	}
	if ch.Connected() || ch.Seek(1) {
		t.Fatal("expected channel closed")
	}
}

func TestDialFailureNotifiesError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	wsURL, _ := MotionURL(srv.URL)
	srv.Close()

	ch := New(wsURL, quietLogger())
	var errs int
	ch.OnError(func(error) { errs++ })

	if err := ch.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if errs != 1 {
		t.Fatalf("expected one error notification, got %d", errs)
	}
}

func TestConcurrentConnectKeepsOneStream(t *testing.T) {
	var live atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		live.Add(1)
		defer live.Add(-1)
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL, _ := MotionURL(srv.URL)
	ch := New(wsURL, quietLogger())
	defer ch.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.Connect(context.Background()); err != nil {
				t.Errorf("connect: %v", err)
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for live.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected one live stream, got %d", live.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !ch.Connected() {
		t.Fatal("expected connected")
	}
}
