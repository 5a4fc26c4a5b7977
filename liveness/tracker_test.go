package liveness

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeTimer struct {
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) armed() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}

// fireLast runs the most recently armed timer's callback, as if its
// deadline had passed.
func (ft *fakeTimers) fireLast() {
	ft.mu.Lock()
	t := ft.timers[len(ft.timers)-1]
	ft.mu.Unlock()
	t.f()
}

func (ft *fakeTimers) fire(i int) {
	ft.mu.Lock()
	t := ft.timers[i]
	ft.mu.Unlock()
	t.f()
}

func newTestTracker(ft *fakeTimers) *Tracker {
	return NewTracker(
		WithStaleAfter(time.Second),
		WithAfterFunc(ft.AfterFunc),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestInitialStateDown(t *testing.T) {
	tr := newTestTracker(&fakeTimers{})

	st := tr.State()
	if st.TransportUp || st.PeerLive || st.LastSeq != -1 || st.StaleTimerActive {
		t.Fatalf("unexpected initial state %+v", st)
	}
}

func TestSequenceMonotonicity(t *testing.T) {
	ft := &fakeTimers{}
	tr := newTestTracker(ft)
	tr.Open()
	armedAfterOpen := ft.armed()

	seqs := []int64{5, 3, 6, 6, 10}
	wantLive := []bool{false, false, true, true, true}
	wantAdvance := []bool{true, false, true, false, true}
	wantArmed := []int{1, 1, 2, 2, 3}

	for i, seq := range seqs {
		if got := tr.Observe(seq); got != wantAdvance[i] {
			t.Errorf("message %d (seq %d): expected advance=%v, got %v", i+1, seq, wantAdvance[i], got)
		}
		st := tr.State()
		if st.PeerLive != wantLive[i] {
			t.Errorf("message %d (seq %d): expected live=%v, got %v", i+1, seq, wantLive[i], st.PeerLive)
		}
		if got := ft.armed() - armedAfterOpen; got != wantArmed[i] {
			t.Errorf("message %d (seq %d): expected %d rearms, got %d", i+1, seq, wantArmed[i], got)
		}
	}
	if st := tr.State(); st.LastSeq != 10 {
		t.Fatalf("expected last seq 10, got %d", st.LastSeq)
	}
}

func TestFirstMessageOnlySetsBaseline(t *testing.T) {
	tr := newTestTracker(&fakeTimers{})
	tr.Open()

	tr.Observe(42)
	if st := tr.State(); st.PeerLive || st.LastSeq != 42 {
		t.Fatalf("expected baseline only, got %+v", st)
	}
}

func TestStalenessFiresOnce(t *testing.T) {
	ft := &fakeTimers{}
	tr := newTestTracker(ft)

	var transitions []State
	tr.Subscribe(func(st State) { transitions = append(transitions, st) })

	tr.Open()
	tr.Observe(1)
	tr.Observe(2)
	if !tr.State().PeerLive {
		t.Fatal("expected peer live")
	}

	ft.fireLast()
	ft.fireLast()

	st := tr.State()
	if st.PeerLive || st.StaleTimerActive || !st.TransportUp {
		t.Fatalf("expected stale with transport up, got %+v", st)
	}

	var staleEvents int
	for i := 1; i < len(transitions); i++ {
		if transitions[i-1].PeerLive && !transitions[i].PeerLive {
			staleEvents++
		}
	}
	if staleEvents != 1 {
		t.Fatalf("expected exactly one live->stale transition, got %d (%+v)", staleEvents, transitions)
	}
}

func TestSupersededTimerIsIgnored(t *testing.T) {
	ft := &fakeTimers{}
	tr := newTestTracker(ft)
	tr.Open()
	tr.Observe(1)
	tr.Observe(2)

	// timer 1 was armed by seq 1 and replaced by seq 2's timer.
	ft.fire(1)
	if !tr.State().PeerLive {
		t.Fatal("an old timer must not mark the peer stale")
	}
}

func TestRecoversAfterStale(t *testing.T) {
	ft := &fakeTimers{}
	tr := newTestTracker(ft)
	tr.Open()
	tr.Observe(1)
	tr.Observe(2)
	ft.fireLast()

	tr.Observe(3)
	if !tr.State().PeerLive {
		t.Fatal("expected forward progress to restore liveness")
	}
}

func TestCloseCancelsTimer(t *testing.T) {
	ft := &fakeTimers{}
	tr := newTestTracker(ft)
	tr.Open()
	tr.Observe(1)
	tr.Observe(2)

	tr.Close()
	tr.Close()

	st := tr.State()
	if st.TransportUp || st.PeerLive || st.StaleTimerActive {
		t.Fatalf("expected everything down, got %+v", st)
	}
	ft.mu.Lock()
	last := ft.timers[len(ft.timers)-1]
	ft.mu.Unlock()
	if !last.stopped {
		t.Fatal("expected stale timer to be stopped")
	}

	if tr.Observe(3) {
		t.Fatal("expected observations to be ignored while down")
	}
}

func TestOpenResetsBaseline(t *testing.T) {
	tr := newTestTracker(&fakeTimers{})
	tr.Open()
	tr.Observe(7)
	tr.Observe(8)
	tr.Close()

	tr.Open()
	st := tr.State()
	if !st.TransportUp || st.PeerLive || st.LastSeq != -1 || !st.StaleTimerActive {
		t.Fatalf("unexpected state after reopen %+v", st)
	}
	tr.Observe(9)
	if tr.State().PeerLive {
		t.Fatal("first message after reopen must only set the baseline")
	}
}

func TestRealTimerExpires(t *testing.T) {
	tr := NewTracker(WithStaleAfter(20*time.Millisecond), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	stale := make(chan struct{}, 1)
	tr.Subscribe(func(st State) {
		if !st.PeerLive && st.LastSeq == 2 {
			select {
			case stale <- struct{}{}:
			default:
			}
		}
	})

	tr.Open()
	tr.Observe(1)
	tr.Observe(2)

	select {
	case <-stale:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for staleness")
	}
	tr.Close()
}
