// Package config loads agent and server settings: defaults in code, an
// optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Agent configures the client process.
type Agent struct {
	// BackendURL is the http(s) base of the control service. When empty the
	// agent browses for one over mDNS.
	BackendURL       string        `yaml:"backend_url" env:"TELEOP_BACKEND_URL"`
	DiscoveryService string        `yaml:"discovery_service" env:"TELEOP_DISCOVERY_SERVICE"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" env:"TELEOP_DISCOVERY_TIMEOUT"`

	PollInterval   time.Duration `yaml:"poll_interval" env:"TELEOP_POLL_INTERVAL"`
	StatusInterval time.Duration `yaml:"status_interval" env:"TELEOP_STATUS_INTERVAL"`
	HeartbeatHz    int           `yaml:"heartbeat_hz" env:"TELEOP_HEARTBEAT_HZ"`
	StaleAfter     time.Duration `yaml:"stale_after" env:"TELEOP_STALE_AFTER"`

	ConnectMaxElapsed time.Duration `yaml:"connect_max_elapsed" env:"TELEOP_CONNECT_MAX_ELAPSED"`

	RobotAddress string `yaml:"robot_address" env:"TELEOP_ROBOT_ADDRESS"`
	ControlMode  string `yaml:"control_mode" env:"TELEOP_CONTROL_MODE"`
	LocalIP      string `yaml:"local_ip" env:"TELEOP_LOCAL_IP"`
	QuestIP      string `yaml:"quest_ip" env:"TELEOP_QUEST_IP"`

	// ControlAddr is the local HTTP command listener. Empty disables it.
	ControlAddr string `yaml:"control_addr" env:"TELEOP_CONTROL_ADDR"`

	ProjectStore string `yaml:"project_store" env:"TELEOP_PROJECT_STORE"`
	Project      string `yaml:"project" env:"TELEOP_PROJECT"`
	LogLevel     string `yaml:"log_level" env:"TELEOP_LOG_LEVEL"`
}

// Server configures the simulated control service.
type Server struct {
	Addr        string `env:"SERVER_ADDR"`
	RedisAddr   string `env:"REDIS_ADDR"`
	RedisTopic  string `env:"REDIS_TOPIC"`
	DatabaseURL string `env:"DATABASE_URL"`
	QuestUDP    string `env:"QUEST_UDP_ADDR"`
	ServiceName string `env:"DISCOVERY_SERVICE"`
	Advertise   bool   `env:"DISCOVERY_ADVERTISE"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// DefaultAgent returns the built-in agent settings.
func DefaultAgent() Agent {
	return Agent{
		DiscoveryService:  "_teleop._tcp",
		DiscoveryTimeout:  5 * time.Second,
		PollInterval:      200 * time.Millisecond,
		StatusInterval:    time.Second,
		HeartbeatHz:       30,
		StaleAfter:        time.Second,
		ConnectMaxElapsed: 30 * time.Second,
		ControlMode:       "position",
		ControlAddr:       "127.0.0.1:8080",
		LogLevel:          "info",
	}
}

// DefaultServer returns the built-in server settings.
func DefaultServer() Server {
	return Server{
		Addr:        ":8000",
		RedisTopic:  "teleop:motion",
		ServiceName: "_teleop._tcp",
		Advertise:   true,
		LogLevel:    "info",
	}
}

// LoadAgent reads the optional YAML file at path over the defaults and
// applies environment overrides.
func LoadAgent(path string) (*Agent, error) {
	cfg := DefaultAgent()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := parseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadServer applies environment overrides to the server defaults.
func LoadServer() (*Server, error) {
	cfg := DefaultServer()
	if err := parseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func parseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks ranges and URL shapes.
func (c *Agent) Validate() error {
	var errs []error
	if c.BackendURL != "" {
		u, err := url.Parse(c.BackendURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("backend_url: %w", err))
		case u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, fmt.Errorf("backend_url: scheme must be http or https, got %q", u.Scheme))
		case u.Host == "":
			errs = append(errs, errors.New("backend_url: missing host"))
		}
	} else if c.DiscoveryService == "" {
		errs = append(errs, errors.New("discovery_service is required when backend_url is empty"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.HeartbeatHz < 1 || c.HeartbeatHz > 200 {
		errs = append(errs, fmt.Errorf("heartbeat_hz must be within 1..200, got %d", c.HeartbeatHz))
	}
	if c.StatusInterval <= 0 {
		errs = append(errs, errors.New("status_interval must be positive"))
	}
	if c.StaleAfter <= 0 {
		errs = append(errs, errors.New("stale_after must be positive"))
	}
	if c.ControlMode != "position" && c.ControlMode != "impedance" {
		errs = append(errs, fmt.Errorf("control_mode must be position or impedance, got %q", c.ControlMode))
	}
	if c.QuestIP != "" && c.LocalIP == "" {
		errs = append(errs, errors.New("local_ip is required with quest_ip"))
	}
	if c.DiscoveryTimeout <= 0 {
		errs = append(errs, errors.New("discovery_timeout must be positive"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate checks the listen address and log level.
func (c *Server) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("SERVER_ADDR is required"))
	}
	if c.RedisAddr != "" && c.RedisTopic == "" {
		errs = append(errs, errors.New("REDIS_TOPIC is required with REDIS_ADDR"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}
