// Package config loads the daemon configuration file and applies defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/dispatchd/internal/types"
)

// Defaults applied when config.yaml omits a value.
const (
	DefaultStallTimeoutSeconds  = 300
	DefaultLoopWarn             = 3
	DefaultLoopKill             = 5
	DefaultPingPongWarn         = 3
	DefaultPingPongKill         = 4
	DefaultStreamCloseTimeoutMs = 600000
	DefaultServerAddr           = "127.0.0.1:8787"
	DefaultBusPort              = 4222
	DefaultAgentBinary          = "claude"
)

// thresholdPresence distinguishes a threshold the file sets to 0 (disabling
// it) from one the file omits (which defaults).
type thresholdPresence struct {
	Thresholds struct {
		StallTimeoutSeconds  *int `yaml:"stall_timeout_seconds"`
		LoopWarn             *int `yaml:"loop_warn"`
		LoopKill             *int `yaml:"loop_kill"`
		PingPongWarn         *int `yaml:"ping_pong_warn"`
		PingPongKill         *int `yaml:"ping_pong_kill"`
		StreamCloseTimeoutMs *int `yaml:"stream_close_timeout_ms"`
	} `yaml:"thresholds"`
}

// Load reads a YAML config file and fills in defaults. A missing file yields
// the default configuration rooted at dir. A threshold explicitly set to 0
// stays 0: zero disables that detector.
func Load(path string) (*types.Config, error) {
	cfg := &types.Config{}
	var set thresholdPresence

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &set); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	ApplyDefaults(cfg, filepath.Dir(path))

	t := &cfg.Thresholds
	p := set.Thresholds
	if p.StallTimeoutSeconds != nil {
		t.StallTimeoutSeconds = *p.StallTimeoutSeconds
	}
	if p.LoopWarn != nil {
		t.LoopWarn = *p.LoopWarn
	}
	if p.LoopKill != nil {
		t.LoopKill = *p.LoopKill
	}
	if p.PingPongWarn != nil {
		t.PingPongWarn = *p.PingPongWarn
	}
	if p.PingPongKill != nil {
		t.PingPongKill = *p.PingPongKill
	}
	if p.StreamCloseTimeoutMs != nil {
		t.StreamCloseTimeoutMs = *p.StreamCloseTimeoutMs
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields in place. baseDir anchors relative
// default paths.
func ApplyDefaults(cfg *types.Config, baseDir string) {
	if cfg.ProjectsDir == "" {
		cfg.ProjectsDir = filepath.Join(baseDir, "projects")
	}
	if cfg.RolesDir == "" {
		cfg.RolesDir = filepath.Join(baseDir, "roles")
	}
	if cfg.HistoryDB == "" {
		cfg.HistoryDB = filepath.Join(baseDir, "history.db")
	}
	if cfg.Models == nil {
		cfg.Models = map[string]string{}
	}
	if cfg.Agent.Binary == "" {
		cfg.Agent.Binary = DefaultAgentBinary
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
	if cfg.Bus.Port == 0 {
		cfg.Bus.Port = DefaultBusPort
	}

	t := &cfg.Thresholds
	if t.StallTimeoutSeconds == 0 {
		t.StallTimeoutSeconds = DefaultStallTimeoutSeconds
	}
	if t.LoopWarn == 0 {
		t.LoopWarn = DefaultLoopWarn
	}
	if t.LoopKill == 0 {
		t.LoopKill = DefaultLoopKill
	}
	if t.PingPongWarn == 0 {
		t.PingPongWarn = DefaultPingPongWarn
	}
	if t.PingPongKill == 0 {
		t.PingPongKill = DefaultPingPongKill
	}
	if t.StreamCloseTimeoutMs == 0 {
		t.StreamCloseTimeoutMs = DefaultStreamCloseTimeoutMs
	}
}
