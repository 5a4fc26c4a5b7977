// Command agent runs one editing session against a control service: it
// keeps the pose stream and heartbeat connected, mirrors the playback
// marker and syncs the project between the local store and the service.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/RainbowRobotics/teleop-editor/config"
	"github.com/RainbowRobotics/teleop-editor/liveness"
	"github.com/RainbowRobotics/teleop-editor/playback"
	"github.com/RainbowRobotics/teleop-editor/posechannel"
	"github.com/RainbowRobotics/teleop-editor/projectstore"
	"github.com/RainbowRobotics/teleop-editor/remote"
	"github.com/RainbowRobotics/teleop-editor/session"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.BackendURL == "" {
		url, err := discoverBackend(ctx, cfg.DiscoveryService, cfg.DiscoveryTimeout)
		if err != nil {
			log.Fatalf("Failed to discover control service: %v", err)
		}
		logger.Info("discovered control service", "url", url)
		cfg.BackendURL = url
	}

	var store *projectstore.Store
	if cfg.ProjectStore != "" {
		store, err = projectstore.Open(cfg.ProjectStore)
		if err != nil {
			log.Fatalf("Failed to open project store: %v", err)
		}
		defer store.Close()
	}

	s, err := session.New(*cfg, store, logger)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	defer s.Close()
	watch(s, logger)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()
	s.Devices.Start()

	if cfg.ControlAddr != "" {
		go func() {
			if err := newControl(s, logger.With("component", "control")).serve(ctx, cfg.ControlAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("command listener stopped", "addr", cfg.ControlAddr, "error", err)
			}
		}()
	}

	if err := prepare(ctx, s, cfg, logger); err != nil {
		logger.Error("session setup failed", "error", err)
	}

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session ended", "error", err)
		}
	}

	if cfg.Project != "" && store != nil {
		if err := s.SaveProject(cfg.Project); err != nil {
			logger.Error("save project on exit", "project", cfg.Project, "error", err)
		}
	}
	logger.Info("agent stopped")
}

// prepare loads the working project and brings up the robot and headset
// links the config names.
func prepare(ctx context.Context, s *session.Session, cfg *config.Agent, logger *slog.Logger) error {
	var errs []error

	if names, err := s.Projects(); err == nil {
		logger.Debug("local projects", "names", names)
	}

	switch {
	case cfg.Project != "":
		err := s.LoadProject(cfg.Project)
		switch {
		case err == nil:
			logger.Info("project loaded", "project", cfg.Project, "length_ms", s.Model.LengthMs())
			if err := s.SaveRemote(ctx); err != nil {
				errs = append(errs, err)
			}
		case errors.Is(err, projectstore.ErrNotFound), errors.Is(err, session.ErrNoStore):
			logger.Info("starting new project", "project", cfg.Project)
		default:
			errs = append(errs, err)
		}
	default:
		if err := s.LoadRemote(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.RobotAddress != "" {
		if err := s.ConnectRobot(ctx, cfg.RobotAddress); err != nil {
			errs = append(errs, err)
		} else if err := s.API.RobotEnable(ctx, cfg.ControlMode); err != nil {
			errs = append(errs, err)
		} else if m, err := s.RobotModel(ctx); err == nil {
			logger.Info("robot ready", "address", m.Address, "joints", len(m.JointNames))
		}
	}

	if cfg.QuestIP != "" {
		req := remote.QuestConnectRequest{LocalIP: cfg.LocalIP, QuestIP: cfg.QuestIP}
		if err := s.ConnectQuest(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// watch logs state transitions of the session.
func watch(s *session.Session, logger *slog.Logger) {
	var mu sync.Mutex
	var last liveness.State
	s.Liveness.Subscribe(func(st liveness.State) {
		mu.Lock()
		changed := st.TransportUp != last.TransportUp || st.PeerLive != last.PeerLive
		last = st
		mu.Unlock()
		if changed {
			logger.Info("headset link", "transport_up", st.TransportUp, "peer_live", st.PeerLive, "last_seq", st.LastSeq)
		}
	})

	s.Playback.Subscribe(func(st playback.State) {
		logger.Debug("playback", "status", st.Status, "marker_ms", st.Player.TMs)
	})
	s.Motion.OnPose(func(p posechannel.Pose) {
		logger.Debug("pose", "t_ms", p.TMs, "dof", len(p.Q))
	})
	var lastDevices session.DeviceStatus
	s.Devices.Subscribe(func(st session.DeviceStatus) {
		mu.Lock()
		prev := lastDevices
		lastDevices = st
		mu.Unlock()
		if st.Master.Connected != prev.Master.Connected || st.Gripper.Running != prev.Gripper.Running ||
			st.Teleop.Running != prev.Teleop.Running || st.Record.Active != prev.Record.Active {
			logger.Info("devices",
				"master", st.Master.Connected,
				"gripper", st.Gripper.Running,
				"teleop", st.Teleop.Running,
				"recording", st.Record.Active,
			)
		}
	})
	s.Motion.OnError(func(err error) {
		logger.Warn("motion stream error", "error", err)
	})
}
