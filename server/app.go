package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/RainbowRobotics/teleop-editor/posechannel"
	"github.com/RainbowRobotics/teleop-editor/timeline"
)

const (
	defaultQuestHz = 30
	minQuestHz     = 1
	maxQuestHz     = 200
	maxMessageSize = 32 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// app is the simulated control service.
type app struct {
	log      *slog.Logger
	hub      *Hub
	relay    relay
	projects projectRepo
	quest    *questService
	robot    *simRobot
	devices  *simDevices
	eval     atomic.Pointer[evaluator]
}

func newApp(log *slog.Logger, hub *Hub, rl relay, projects projectRepo, quest *questService, robot *simRobot) *app {
	a := &app{log: log, hub: hub, relay: rl, projects: projects, quest: quest, robot: robot, devices: newSimDevices(robot, robot.now)}
	a.eval.Store(newEvaluator(timeline.Snapshot{}))
	return a
}

// restore loads the persisted project, if any, into the evaluator.
func (a *app) restore(ctx context.Context) error {
	snap, ok, err := a.projects.Get(ctx)
	if err != nil || !ok {
		return err
	}
	a.setProject(snap)
	return nil
}

// setProject normalizes snap through the timeline model and makes it the
// evaluated project.
func (a *app) setProject(snap timeline.Snapshot) {
	m := timeline.NewModel()
	m.Restore(snap)
	norm := m.Snapshot()
	a.eval.Store(newEvaluator(norm))
	a.robot.SetProject(norm.LengthMs)
	a.log.Info("project set", "clips", len(norm.Clips), "sources", len(norm.Sources), "length_ms", norm.LengthMs)
}

func (a *app) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/play/state", a.handlePlayState).Methods(http.MethodGet)
	r.HandleFunc("/play/start", a.handlePlayStart).Methods(http.MethodPost)
	r.HandleFunc("/play/stop", a.handlePlayStop).Methods(http.MethodPost)
	r.HandleFunc("/play/seek", a.handlePlaySeek).Methods(http.MethodPost)

	r.HandleFunc("/robot/state", a.handleRobotState).Methods(http.MethodGet)
	r.HandleFunc("/robot/connect", a.handleRobotConnect).Methods(http.MethodPost)
	r.HandleFunc("/robot/enable", a.handleRobotEnable).Methods(http.MethodPost)
	r.HandleFunc("/robot/stop", a.handleRobotStop).Methods(http.MethodPost)
	r.HandleFunc("/robot/disconnect", a.handleRobotDisconnect).Methods(http.MethodPost)

	r.HandleFunc("/master/state", a.handleMasterState).Methods(http.MethodGet)
	r.HandleFunc("/master/connect", a.handleMasterConnect).Methods(http.MethodPost)
	r.HandleFunc("/master/disconnect", a.handleMasterDisconnect).Methods(http.MethodPost)

	r.HandleFunc("/gripper/state", a.handleGripperState).Methods(http.MethodGet)
	r.HandleFunc("/gripper/connect", a.handleGripperConnect).Methods(http.MethodPost)
	r.HandleFunc("/gripper/homing", a.handleGripperHoming).Methods(http.MethodPost)
	r.HandleFunc("/gripper/start", a.handleGripperStart).Methods(http.MethodPost)
	r.HandleFunc("/gripper/stop", a.handleGripperStop).Methods(http.MethodPost)
	r.HandleFunc("/gripper/disconnect", a.handleGripperDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/gripper/target/n", a.handleGripperTarget).Methods(http.MethodPost)

	r.HandleFunc("/teleop/state", a.handleTeleopState).Methods(http.MethodGet)
	r.HandleFunc("/teleop/start", a.handleTeleopStart).Methods(http.MethodPost)
	r.HandleFunc("/teleop/stop", a.handleTeleopStop).Methods(http.MethodPost)

	r.HandleFunc("/record/state", a.handleRecordState).Methods(http.MethodGet)
	r.HandleFunc("/record/start", a.handleRecordStart).Methods(http.MethodPost)
	r.HandleFunc("/record/stop", a.handleRecordStop).Methods(http.MethodPost)

	r.HandleFunc("/quest/connect", a.handleQuestConnect).Methods(http.MethodPost)
	r.HandleFunc("/quest/disconnect", a.handleQuestDisconnect).Methods(http.MethodPost)

	r.HandleFunc("/api/project", a.handleProjectGet).Methods(http.MethodGet)
	r.HandleFunc("/api/project", a.handleProjectSave).Methods(http.MethodPost)

	r.HandleFunc("/ws/motion", a.serveMotion)
	r.HandleFunc("/ws/quest", a.serveQuest)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(v); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return false
	}
	return true
}

var okBody = map[string]bool{"ok": true}

func (a *app) handlePlayState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.robot.PlayState())
}

func (a *app) handlePlayStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		T0Ms float64 `json:"t0_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.robot.Start(req.T0Ms); err != nil {
		writeDetail(w, http.StatusConflict, err.Error())
		return
	}
	a.log.Info("play started", "t0_ms", req.T0Ms)
	writeJSON(w, http.StatusOK, okBody)
}

func (a *app) handlePlayStop(w http.ResponseWriter, r *http.Request) {
	a.robot.Halt()
	writeJSON(w, http.StatusOK, okBody)
}

func (a *app) handlePlaySeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MarkerMs *float64 `json:"marker_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MarkerMs == nil {
		writeDetail(w, http.StatusUnprocessableEntity, "marker_ms is required")
		return
	}
	st, err := a.robot.Seek(*req.MarkerMs)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *app) handleRobotState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.robot.State())
}

func (a *app) handleRobotConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Address == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "address is required")
		return
	}
	writeJSON(w, http.StatusOK, a.robot.Connect(req.Address))
}

func (a *app) handleRobotEnable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ControlMode string `json:"control_mode"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := a.robot.Enable(req.ControlMode)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *app) handleRobotStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.robot.Stop())
}

func (a *app) handleRobotDisconnect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.robot.Disconnect())
}

type questConnectRequest struct {
	LocalIP   string `json:"local_ip"`
	QuestIP   string `json:"quest_ip"`
	LocalPort int    `json:"local_port"`
	QuestPort int    `json:"quest_port"`
}

type okResponse struct {
	OK    bool    `json:"ok"`
	Error *string `json:"error"`
}

func failed(msg string) okResponse { return okResponse{OK: false, Error: &msg} }

func (a *app) handleQuestConnect(w http.ResponseWriter, r *http.Request) {
	var req questConnectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.LocalPort == 0 {
		req.LocalPort = defaultLocalPort
	}
	if req.QuestPort == 0 {
		req.QuestPort = defaultQuestPort
	}

	bind := net.JoinHostPort(req.LocalIP, strconv.Itoa(req.LocalPort))
	if err := a.quest.Start(bind); err != nil {
		a.log.Error("quest listener failed", "addr", bind, "error", err)
		writeJSON(w, http.StatusOK, failed("Failed to start UDP listener"))
		return
	}
	if err := a.quest.Announce(req.LocalIP, req.LocalPort, req.QuestIP, req.QuestPort); err != nil {
		a.log.Error("quest announce failed", "error", err)
		writeJSON(w, http.StatusOK, failed("Failed to announce to Quest"))
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (a *app) handleQuestDisconnect(w http.ResponseWriter, r *http.Request) {
	a.quest.Stop()
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (a *app) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	snap, ok, err := a.projects.Get(r.Context())
	if err != nil {
		a.log.Error("load project", "error", err)
		writeDetail(w, http.StatusInternalServerError, "failed to load project")
		return
	}
	if !ok {
		snap = timeline.NewModel().Snapshot()
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *app) handleProjectSave(w http.ResponseWriter, r *http.Request) {
	var snap timeline.Snapshot
	if !decodeBody(w, r, &snap) {
		return
	}
	if err := a.projects.Put(r.Context(), snap); err != nil {
		a.log.Error("save project", "error", err)
		writeDetail(w, http.StatusInternalServerError, "failed to save project")
		return
	}
	a.setProject(snap)
	w.WriteHeader(http.StatusNoContent)
}

// motionRequest is the union of the frames clients send on the motion
// stream.
type motionRequest struct {
	Type     string             `json:"type"`
	Project  *timeline.Snapshot `json:"project"`
	TMs      float64            `json:"t_ms"`
	CenterMs float64            `json:"center_ms"`
	WindowMs float64            `json:"window_ms"`
	StepMs   float64            `json:"step_ms"`
}

type poseFrame struct {
	Type string    `json:"type"`
	TMs  float64   `json:"t_ms"`
	Q    []float64 `json:"q"`
}

type prefetchFrame struct {
	Type   string      `json:"type"`
	T0Ms   int64       `json:"t0_ms"`
	StepMs float64     `json:"step_ms"`
	Count  int         `json:"count"`
	Poses  [][]float64 `json:"poses"`
}

func (a *app) serveMotion(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("motion upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	if !a.hub.Register(c) {
		conn.Close()
		return
	}
	go c.writePump()
	a.readMotion(r.Context(), c, uuid.NewString())
}

func (a *app) readMotion(ctx context.Context, c *client, id string) {
	log := a.log.With("client", id)
	defer func() {
		a.hub.Unregister(c)
		c.conn.Close()
		log.Info("motion client disconnected")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	log.Info("motion client connected")

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req motionRequest
		if err := json.Unmarshal(message, &req); err != nil {
			log.Warn("error decoding motion frame", "error", err)
			continue
		}
		switch req.Type {
		case posechannel.TypeSetContext:
			if req.Project == nil {
				log.Warn("set_context without project")
				continue
			}
			a.setProject(*req.Project)
			a.sendTo(c, map[string]any{"type": posechannel.TypeAck, "ok": true})
			a.publish(ctx, map[string]string{"type": posechannel.TypeProjectUpdated})
		case posechannel.TypeSeek:
			q := a.eval.Load().At(req.TMs)
			a.publish(ctx, poseFrame{Type: posechannel.TypePose, TMs: req.TMs, Q: q})
		case posechannel.TypePrefetch:
			half := int64(req.WindowMs) / 2
			t0 := int64(req.CenterMs) - half
			t1 := int64(req.CenterMs) + half
			poses := a.eval.Load().Range(float64(t0), float64(t1), req.StepMs)
			a.sendTo(c, prefetchFrame{
				Type:   posechannel.TypePrefetchResult,
				T0Ms:   t0,
				StepMs: req.StepMs,
				Count:  len(poses),
				Poses:  poses,
			})
		default:
			log.Debug("ignoring motion frame", "type", req.Type)
		}
	}
}

func (a *app) publish(ctx context.Context, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		a.log.Error("error encoding motion frame", "error", err)
		return
	}
	if err := a.relay.Publish(ctx, raw); err != nil {
		a.log.Error("error publishing motion frame", "error", err)
	}
}

func (a *app) sendTo(c *client, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		a.log.Error("error encoding motion frame", "error", err)
		return
	}
	a.hub.Send(c, raw)
}

// serveQuest streams the latest controller frame at the requested rate.
func (a *app) serveQuest(w http.ResponseWriter, r *http.Request) {
	hz := defaultQuestHz
	if s := r.URL.Query().Get("hz"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < minQuestHz || n > maxQuestHz {
			writeDetail(w, http.StatusUnprocessableEntity, "hz must be an integer within 1..200")
			return
		}
		hz = n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("quest upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()
	for {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, a.quest.Latest()); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				a.log.Info("quest stream closed", "error", err)
			}
			return
		}
		select {
		case <-closed:
			a.log.Info("quest stream closed by peer")
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
