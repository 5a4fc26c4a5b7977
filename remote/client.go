// Package remote is the HTTP client of the robot control service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/RainbowRobotics/teleop-editor/timeline"
)

// Client talks to one control service instance.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New returns a client for baseURL with a bounded request timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// PlayState is the server's playback marker.
type PlayState struct {
	Playing  bool  `json:"playing"`
	MarkerMs int64 `json:"marker_ms"`
}

// RobotState is the reported arm connection state.
type RobotState struct {
	Address    string `json:"address"`
	Connected  bool   `json:"connected"`
	Ready      bool   `json:"ready"`
	PowerAllOn bool   `json:"power_all_on"`
}

// QuestConnectRequest asks the service to listen for and announce itself to
// the head-mounted controller.
type QuestConnectRequest struct {
	LocalIP   string `json:"local_ip"`
	QuestIP   string `json:"quest_ip"`
	LocalPort int    `json:"local_port,omitempty"`
	QuestPort int    `json:"quest_port,omitempty"`
}

type okResponse struct {
	OK    *bool  `json:"ok"`
	Error string `json:"error"`
}

// PlayState fetches the current server marker.
func (c *Client) PlayState(ctx context.Context) (PlayState, error) {
	var s PlayState
	err := c.do(ctx, "play state", http.MethodGet, "/play/state", nil, &s)
	return s, err
}

// PlayStart starts playback from t0Ms.
func (c *Client) PlayStart(ctx context.Context, t0Ms int64) error {
	return c.do(ctx, "play start", http.MethodPost, "/play/start", map[string]int64{"t0_ms": t0Ms}, nil)
}

// PlayStop stops playback, leaving the marker where it is.
func (c *Client) PlayStop(ctx context.Context) error {
	return c.do(ctx, "play stop", http.MethodPost, "/play/stop", nil, nil)
}

// PlaySeek moves the server marker.
func (c *Client) PlaySeek(ctx context.Context, markerMs int64) error {
	return c.do(ctx, "play seek", http.MethodPost, "/play/seek", map[string]int64{"marker_ms": markerMs}, nil)
}

// RobotState fetches the arm state.
func (c *Client) RobotState(ctx context.Context) (RobotState, error) {
	var s RobotState
	err := c.do(ctx, "robot state", http.MethodGet, "/robot/state", nil, &s)
	return s, err
}

// RobotConnect connects the service to the arm at address.
func (c *Client) RobotConnect(ctx context.Context, address string) error {
	return c.do(ctx, "robot connect", http.MethodPost, "/robot/connect", map[string]string{"address": address}, nil)
}

// RobotEnable powers the arm in the given control mode ("position" or
// "impedance").
func (c *Client) RobotEnable(ctx context.Context, mode string) error {
	return c.do(ctx, "robot enable", http.MethodPost, "/robot/enable", map[string]string{"control_mode": mode}, nil)
}

// RobotStop stops the arm.
func (c *Client) RobotStop(ctx context.Context) error {
	return c.do(ctx, "robot stop", http.MethodPost, "/robot/stop", nil, nil)
}

// RobotDisconnect drops the arm connection.
func (c *Client) RobotDisconnect(ctx context.Context) error {
	return c.do(ctx, "robot disconnect", http.MethodPost, "/robot/disconnect", nil, nil)
}

// QuestConnect starts the controller listener. A reply of {"ok":false} is
// reported as a *StatusError carrying the server's error text.
func (c *Client) QuestConnect(ctx context.Context, req QuestConnectRequest) error {
	var resp okResponse
	if err := c.do(ctx, "quest connect", http.MethodPost, "/quest/connect", req, &resp); err != nil {
		return err
	}
	if resp.OK != nil && !*resp.OK {
		return &StatusError{Op: "quest connect", Status: http.StatusOK, Detail: resp.Error}
	}
	return nil
}

// QuestDisconnect stops the controller listener.
func (c *Client) QuestDisconnect(ctx context.Context) error {
	return c.do(ctx, "quest disconnect", http.MethodPost, "/quest/disconnect", nil, nil)
}

// SaveProject uploads a project snapshot.
func (c *Client) SaveProject(ctx context.Context, snap timeline.Snapshot) error {
	return c.do(ctx, "project save", http.MethodPost, "/api/project", snap, nil)
}

// LoadProject downloads the stored project snapshot.
func (c *Client) LoadProject(ctx context.Context) (timeline.Snapshot, error) {
	var snap timeline.Snapshot
	err := c.do(ctx, "project load", http.MethodGet, "/api/project", nil, &snap)
	return snap, err
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Cache-Control", "no-store")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Status: resp.StatusCode, Detail: detailOf(resp.Header.Get("Content-Type"), raw)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func detailOf(contentType string, raw []byte) string {
	if strings.Contains(contentType, "application/json") {
		var body struct {
			Detail any `json:"detail"`
		}
		if err := json.Unmarshal(raw, &body); err == nil {
			switch d := body.Detail.(type) {
			case string:
				return d
			case nil:
			default:
				if b, err := json.Marshal(d); err == nil {
					return string(b)
				}
			}
		}
	}
	return strings.TrimSpace(string(raw))
}
