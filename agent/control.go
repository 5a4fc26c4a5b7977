package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/RainbowRobotics/teleop-editor/liveness"
	"github.com/RainbowRobotics/teleop-editor/posechannel"
	"github.com/RainbowRobotics/teleop-editor/projectstore"
	"github.com/RainbowRobotics/teleop-editor/session"
	"github.com/RainbowRobotics/teleop-editor/timeline"
)

const maxCommandBody = 64 << 20

// control is the local command surface for a running session.
type control struct {
	s   *session.Session
	log *slog.Logger
}

func newControl(s *session.Session, log *slog.Logger) *control {
	return &control{s: s, log: log}
}

func (c *control) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/state", c.handleState).Methods(http.MethodGet)

	r.HandleFunc("/play", c.handlePlay).Methods(http.MethodPost)
	r.HandleFunc("/pause", c.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/stop", c.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/seek", c.handleSeek).Methods(http.MethodPost)
	r.HandleFunc("/prefetch", c.handlePrefetch).Methods(http.MethodPost)

	r.HandleFunc("/sources", c.handleAddSource).Methods(http.MethodPost)
	r.HandleFunc("/clips", c.handleAddClip).Methods(http.MethodPost)

	r.HandleFunc("/project/save", c.handleProjectSave).Methods(http.MethodPost)
	r.HandleFunc("/project/load", c.handleProjectLoad).Methods(http.MethodPost)
	r.HandleFunc("/project/push", c.remoteCommand(c.s.SaveRemote)).Methods(http.MethodPost)
	r.HandleFunc("/project/pull", c.remoteCommand(c.s.LoadRemote)).Methods(http.MethodPost)

	r.HandleFunc("/master/connect", c.remoteCommand(c.s.ConnectMaster)).Methods(http.MethodPost)
	r.HandleFunc("/master/disconnect", c.remoteCommand(c.s.DisconnectMaster)).Methods(http.MethodPost)
	r.HandleFunc("/gripper/start", c.remoteCommand(c.s.StartGripper)).Methods(http.MethodPost)
	r.HandleFunc("/gripper/stop", c.remoteCommand(c.s.StopGripper)).Methods(http.MethodPost)
	r.HandleFunc("/gripper/target", c.handleGripperTarget).Methods(http.MethodPost)
	r.HandleFunc("/teleop/start", c.remoteCommand(c.s.StartTeleop)).Methods(http.MethodPost)
	r.HandleFunc("/teleop/stop", c.remoteCommand(c.s.StopTeleop)).Methods(http.MethodPost)
	return r
}

// serve runs the command listener until ctx is done.
func (c *control) serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: c.routes(), ReadHeaderTimeout: 5 * time.Second}
	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()
	c.log.Info("command listener started", "addr", addr)

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return false
	}
	return true
}

var okBody = map[string]bool{"ok": true}

type stateResponse struct {
	Status          string               `json:"status"`
	MarkerMs        int64                `json:"marker_ms"`
	LengthMs        int64                `json:"length_ms"`
	Clips           int                  `json:"clips"`
	Sources         int                  `json:"sources"`
	MotionConnected bool                 `json:"motion_connected"`
	Headset         headsetState         `json:"headset"`
	Devices         session.DeviceStatus `json:"devices"`
	Endpoints       timeline.Endpoints   `json:"endpoints"`
}

type headsetState struct {
	TransportUp bool  `json:"transport_up"`
	PeerLive    bool  `json:"peer_live"`
	LastSeq     int64 `json:"last_seq"`
}

func headsetOf(st liveness.State) headsetState {
	return headsetState{TransportUp: st.TransportUp, PeerLive: st.PeerLive, LastSeq: st.LastSeq}
}

func (c *control) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{
		Status:          c.s.Playback.State().Status.String(),
		MarkerMs:        c.s.Playback.UIMarkerMs(),
		LengthMs:        c.s.Model.LengthMs(),
		Clips:           len(c.s.Model.Clips()),
		Sources:         len(c.s.Model.Sources()),
		MotionConnected: c.s.Motion.Connected(),
		Headset:         headsetOf(c.s.Liveness.State()),
		Devices:         c.s.Devices.Status(),
		Endpoints:       c.s.Model.Endpoints(),
	})
}

func (c *control) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromMs *int64 `json:"from_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	var err error
	if req.FromMs != nil {
		err = c.s.Playback.PlayFrom(r.Context(), *req.FromMs)
	} else {
		err = c.s.Playback.Play(r.Context())
	}
	if err != nil {
		writeDetail(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okBody)
}

func (c *control) handlePause(w http.ResponseWriter, r *http.Request) {
	c.s.Playback.Pause(r.Context())
	writeJSON(w, http.StatusOK, map[string]int64{"marker_ms": c.s.Playback.UIMarkerMs()})
}

func (c *control) handleStop(w http.ResponseWriter, r *http.Request) {
	c.s.Playback.Stop(r.Context())
	writeJSON(w, http.StatusOK, okBody)
}

func (c *control) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ms *float64 `json:"ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Ms == nil {
		writeDetail(w, http.StatusUnprocessableEntity, "ms is required")
		return
	}
	c.s.Playback.Seek(r.Context(), *req.Ms)
	writeJSON(w, http.StatusOK, map[string]int64{"marker_ms": c.s.Playback.UIMarkerMs()})
}

// handlePrefetch asks the evaluator for a pose block. The window defaults
// to one centred on the displayed marker.
func (c *control) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CenterMs *float64 `json:"center_ms"`
		WindowMs float64  `json:"window_ms"`
		StepMs   float64  `json:"step_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	center := float64(c.s.Playback.UIMarkerMs())
	if req.CenterMs != nil {
		center = *req.CenterMs
	}
	if req.WindowMs <= 0 {
		req.WindowMs = posechannel.DefaultPrefetchWindowMs
	}
	if req.StepMs <= 0 {
		req.StepMs = posechannel.DefaultPrefetchStepMs
	}
	if !c.s.Motion.Prefetch(center, req.WindowMs, req.StepMs) {
		writeDetail(w, http.StatusServiceUnavailable, "motion stream not connected")
		return
	}
	writeJSON(w, http.StatusAccepted, okBody)
}

func (c *control) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var src timeline.Source
	if !decodeBody(w, r, &src) {
		return
	}
	if src.Dt <= 0 || len(src.Frames) == 0 {
		writeDetail(w, http.StatusUnprocessableEntity, "dt and frames are required")
		return
	}
	id := c.s.Model.AddSource(src)
	c.log.Info("source added", "id", id, "frames", len(src.Frames))
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (c *control) handleAddClip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID string              `json:"source_id"`
		InFrame  int                 `json:"in_frame"`
		OutFrame int                 `json:"out_frame"`
		T0Ms     *int64              `json:"t0_ms"`
		Name     string              `json:"name"`
		Blend    timeline.BlendPatch `json:"blend"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := c.s.Model.AddClipFromSource(req.SourceID, timeline.ClipOptions{
		InFrame:  req.InFrame,
		OutFrame: req.OutFrame,
		T0:       req.T0Ms,
		Name:     req.Name,
		Blend:    req.Blend,
	})
	switch {
	case errors.Is(err, timeline.ErrSourceNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	pushed := c.s.PushContext()
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "length_ms": c.s.Model.LengthMs(), "pushed": pushed})
}

type projectRequest struct {
	Name string `json:"name"`
}

func (c *control) handleProjectSave(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	if err := c.s.SaveProject(req.Name); err != nil {
		writeProjectErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody)
}

func (c *control) handleProjectLoad(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := c.s.LoadProject(req.Name); err != nil {
		writeProjectErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"length_ms": c.s.Model.LengthMs()})
}

func writeProjectErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNoStore):
		writeDetail(w, http.StatusConflict, err.Error())
	case errors.Is(err, projectstore.ErrNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	default:
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

func (c *control) handleGripperTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Right float64 `json:"right"`
		Left  float64 `json:"left"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := c.s.SetGripperTarget(r.Context(), req.Right, req.Left); err != nil {
		writeDetail(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okBody)
}

// remoteCommand adapts a session call that goes to the control service.
func (c *control) remoteCommand(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			c.log.Warn("command failed", "path", r.URL.Path, "error", err)
			writeDetail(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, okBody)
	}
}
