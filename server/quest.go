package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	defaultLocalPort = 5005
	defaultQuestPort = 6000
	announceRetries  = 3
	udpReadBuffer    = 2048
)

// questService receives controller state over UDP and stamps every packet
// with a server sequence number for heartbeat readers.
type questService struct {
	log *slog.Logger

	mu     sync.Mutex
	conn   *net.UDPConn
	bind   string
	done   chan struct{}
	seq    int64
	latest []byte
}

func newQuestService(log *slog.Logger) *questService {
	return &questService{log: log}
}

// Start listens on addr. It is a no-op when already listening there and
// replaces a listener bound elsewhere.
func (q *questService) Start(addr string) error {
	q.mu.Lock()
	same := q.conn != nil && q.bind == addr
	q.mu.Unlock()
	if same {
		q.log.Info("udp listener already running", "addr", addr)
		return nil
	}
	q.Stop()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	done := make(chan struct{})
	q.mu.Lock()
	q.conn, q.bind, q.done = conn, addr, done
	q.mu.Unlock()

	go q.listen(conn, done)
	q.log.Info("udp listener started", "addr", conn.LocalAddr().String())
	return nil
}

// Stop closes the listener, if any, and waits for it to exit.
func (q *questService) Stop() {
	q.mu.Lock()
	conn, done := q.conn, q.done
	q.conn, q.bind, q.done = nil, "", nil
	q.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	<-done
	q.log.Info("udp listener stopped")
}

// LocalAddr is the bound listener address, or nil when stopped.
func (q *questService) LocalAddr() net.Addr {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn == nil {
		return nil
	}
	return q.conn.LocalAddr()
}

// Latest returns the most recent stamped frame, or {} before the first.
func (q *questService) Latest() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.latest == nil {
		return []byte("{}")
	}
	return q.latest
}

func (q *questService) listen(conn *net.UDPConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, udpReadBuffer)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				q.log.Error("udp read failed", "error", err)
			}
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(buf[:n], &payload); err != nil || payload == nil {
			q.log.Warn("dropping undecodable controller packet", "error", err)
			continue
		}
		q.stamp(payload)
	}
}

func (q *questService) stamp(payload map[string]any) {
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = float64(time.Now().UnixNano()) / 1e9
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	payload["_server_seq"] = q.seq
	raw, err := json.Marshal(payload)
	if err != nil {
		q.log.Warn("encode controller frame", "error", err)
		return
	}
	q.latest = raw
}

// Announce tells the headset where to send its state.
func (q *questService) Announce(localIP string, localPort int, questIP string, questPort int) error {
	msg, err := json.Marshal(map[string]any{"ip": localIP, "port": localPort})
	if err != nil {
		return err
	}
	target := net.JoinHostPort(questIP, strconv.Itoa(questPort))
	conn, err := net.Dial("udp", target)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	for attempt := 1; ; attempt++ {
		_, err = conn.Write(msg)
		if err == nil {
			q.log.Info("announced to headset", "addr", target)
			return nil
		}
		q.log.Warn("announce failed", "addr", target, "attempt", attempt, "error", err)
		if attempt == announceRetries {
			return fmt.Errorf("announce to %s: %w", target, err)
		}
		time.Sleep(time.Second)
	}
}
