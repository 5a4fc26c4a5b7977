// Package posechannel is the realtime duplex stream to the motion evaluator:
// it pushes the timeline, seeks and prefetch requests, and delivers live
// poses and prefetched pose blocks to subscribers.
package posechannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/RainbowRobotics/teleop-editor/observer"
	"github.com/RainbowRobotics/teleop-editor/timeline"
)

const sendBuffer = 64

// MotionURL converts an http(s) backend base URL into the motion stream URL.
func MotionURL(backendURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(backendURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws/motion"
	return u.String(), nil
}

// Channel is one motion stream connection. Outbound messages are dropped,
// not queued, while the channel is closed; callers re-send after
// reconnecting.
type Channel struct {
	url    string
	dialer *websocket.Dialer
	log    *slog.Logger

	// connectMu serializes Connect so a dial never installs over a
	// connection it did not close.
	connectMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closing     bool
	lastContext *timeline.Snapshot

	onPose     observer.Registry[func(Pose)]
	onPrefetch observer.Registry[func(PrefetchResult)]
	onOpen     observer.Registry[func()]
	onError    observer.Registry[func(error)]
	onClose    observer.Registry[func()]
}

// New returns an unconnected channel for wsURL.
func New(wsURL string, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{url: wsURL, dialer: websocket.DefaultDialer, log: log}
}

// OnPose subscribes to live poses.
func (c *Channel) OnPose(fn func(Pose)) func() { return c.onPose.Add(fn) }

// OnPrefetch subscribes to prefetch results.
func (c *Channel) OnPrefetch(fn func(PrefetchResult)) func() { return c.onPrefetch.Add(fn) }

// OnOpen subscribes to successful connects.
func (c *Channel) OnOpen(fn func()) func() { return c.onOpen.Add(fn) }

// OnError subscribes to dial and read failures.
func (c *Channel) OnError(fn func(error)) func() { return c.onError.Add(fn) }

// OnClose subscribes to disconnects.
func (c *Channel) OnClose(fn func()) func() { return c.onClose.Add(fn) }

// Connect dials the stream, replacing any open connection.
func (c *Channel) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	c.Close()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		err = fmt.Errorf("dial motion stream %s: %w", c.url, err)
		c.onError.Each(func(fn func(error)) { fn(err) })
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, sendBuffer)
	c.done = make(chan struct{})
	c.closing = false
	send, done := c.send, c.done
	c.mu.Unlock()

	writerDone := make(chan struct{})
	go c.writePump(conn, send, writerDone)
	go c.readPump(conn, done, writerDone)

	c.log.Info("motion stream connected", "url", c.url)
	c.onOpen.Each(func(fn func()) { fn() })
	return nil
}

// Connected reports whether the channel is open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close disconnects and waits for the read loop to finish. It is safe to
// call on a closed channel, but not from inside a pose or prefetch listener.
func (c *Channel) Close() {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.closing = true
	c.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	<-done
}

// LastContext returns the snapshot most recently passed to SetContext.
func (c *Channel) LastContext() (timeline.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastContext == nil {
		return timeline.Snapshot{}, false
	}
	return *c.lastContext, true
}

// SetContext pushes the timeline snapshot. The snapshot is remembered even
// when the channel is closed.
func (c *Channel) SetContext(snap timeline.Snapshot) bool {
	c.mu.Lock()
	c.lastContext = &snap
	c.mu.Unlock()
	return c.sendJSON(SetContextMessage{Type: TypeSetContext, Project: snap})
}

// Seek asks for the pose at tMs, rounded and clamped at 0.
func (c *Channel) Seek(tMs float64) bool {
	return c.sendJSON(SeekMessage{Type: TypeSeek, TMs: int64(math.Round(math.Max(0, tMs)))})
}

// Prefetch asks for poses over a window centred on centerMs.
func (c *Channel) Prefetch(centerMs, windowMs, stepMs float64) bool {
	return c.sendJSON(PrefetchMessage{
		Type:     TypePrefetch,
		CenterMs: int64(math.Round(centerMs)),
		WindowMs: int64(math.Round(windowMs)),
		StepMs:   stepMs,
	})
}

func (c *Channel) sendJSON(v any) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Error("encode motion message", "error", err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		c.log.Warn("motion stream send buffer full, dropping message")
		return false
	}
}

func (c *Channel) readPump(conn *websocket.Conn, done, writerDone chan struct{}) {
	var readErr error
	defer func() {
		c.mu.Lock()
		closing := c.closing
		if c.conn == conn {
			c.conn = nil
			close(c.send)
		}
		c.mu.Unlock()

		conn.Close()
		<-writerDone
		if !closing && readErr != nil {
			c.onError.Each(func(fn func(error)) { fn(readErr) })
		}
		c.log.Info("motion stream closed", "url", c.url)
		c.onClose.Each(func(fn func()) { fn() })
		close(done)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
				readErr = err
			}
			return
		}
		pose, result := decode(message)
		switch {
		case pose != nil:
			c.onPose.Each(func(fn func(Pose)) { fn(*pose) })
		case result != nil:
			c.onPrefetch.Each(func(fn func(PrefetchResult)) { fn(*result) })
		}
	}
}

func (c *Channel) writePump(conn *websocket.Conn, send <-chan []byte, writerDone chan struct{}) {
	defer close(writerDone)
	for message := range send {
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.log.Warn("motion stream write failed", "error", err)
			conn.Close()
			for range send {
			}
			return
		}
	}
}
