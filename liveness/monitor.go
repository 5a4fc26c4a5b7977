package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// HeartbeatURL converts an http(s) backend base URL into the heartbeat
// stream URL for the given frame rate.
func HeartbeatURL(backendURL string, hz int) (string, error) {
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
	u.Path += "/ws/quest"
	u.RawQuery = url.Values{"hz": {strconv.Itoa(hz)}}.Encode()
	return u.String(), nil
}

type heartbeat struct {
	ServerSeq *int64 `json:"_server_seq"`
}

// Monitor reads a heartbeat websocket and feeds its sequence numbers to a
// Tracker. The tracker is opened and closed under the monitor's lock, so
// tracker listeners must not call back into the Monitor.
type Monitor struct {
	url     string
	tracker *Tracker
	dialer  *websocket.Dialer
	log     *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
}

// NewMonitor returns a stopped monitor for the heartbeat stream at wsURL.
func NewMonitor(wsURL string, tracker *Tracker, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		url:     wsURL,
		tracker: tracker,
		dialer:  websocket.DefaultDialer,
		log:     log,
	}
}

// Start connects and begins reading. It is a no-op while a connection is
// already open. A dial failure leaves the tracker's transport down.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return nil
	}

	conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		m.tracker.Close()
		return fmt.Errorf("dial heartbeat %s: %w", m.url, err)
	}
	m.conn = conn
	m.done = make(chan struct{})
	m.tracker.Open()

	go m.readPump(conn, m.done)
	return nil
}

// Stop closes the connection and marks the tracker down. Safe to call more
// than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	conn, done := m.conn, m.done
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
		<-done
	}
	m.mu.Lock()
	if m.conn == nil {
		m.tracker.Close()
	}
	m.mu.Unlock()
}

// Done is closed when the current connection's read loop exits. It is nil
// before the first Start.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Running reports whether a connection is open.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

func (m *Monitor) readPump(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		// Only the current connection may take the tracker down; a newer
		// Start has already reopened it.
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
			m.tracker.Close()
		}
		m.mu.Unlock()
		conn.Close()
		close(done)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.log.Info("heartbeat stream closed", "error", err)
			return
		}
		var hb heartbeat
		if err := json.Unmarshal(message, &hb); err != nil || hb.ServerSeq == nil {
			continue
		}
		m.tracker.Observe(*hb.ServerSeq)
	}
}
