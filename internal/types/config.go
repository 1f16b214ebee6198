package types

// Config is the daemon configuration loaded from config.yaml.
type Config struct {
	ProjectsDir string `yaml:"projects_dir" json:"projects_dir"`
	RolesDir    string `yaml:"roles_dir" json:"roles_dir"`
	HistoryDB   string `yaml:"history_db" json:"history_db"`

	// Models maps model hint aliases (fast, smart, reasoning, …) to concrete
	// model names passed to the agent CLI.
	Models map[string]string `yaml:"models" json:"models"`

	DefaultRole         string `yaml:"default_role" json:"default_role"`
	MaxConcurrentAgents int    `yaml:"max_concurrent_agents" json:"max_concurrent_agents"`

	Thresholds Thresholds    `yaml:"thresholds" json:"thresholds"`
	Routing    []RoutingRule `yaml:"routing" json:"routing"`
	Agent      AgentConfig   `yaml:"agent" json:"agent"`
	Server     ServerConfig  `yaml:"server" json:"server"`
	Bus        BusConfig     `yaml:"bus" json:"bus"`
	Notify     NotifyConfig  `yaml:"notify" json:"notify"`
}

// Thresholds bound supervised dispatches. A zero warn/kill value disables
// that detector threshold.
type Thresholds struct {
	StallTimeoutSeconds  int `yaml:"stall_timeout_seconds" json:"stall_timeout_seconds"`
	LoopWarn             int `yaml:"loop_warn" json:"loop_warn"`
	LoopKill             int `yaml:"loop_kill" json:"loop_kill"`
	PingPongWarn         int `yaml:"ping_pong_warn" json:"ping_pong_warn"`
	PingPongKill         int `yaml:"ping_pong_kill" json:"ping_pong_kill"`
	StreamCloseTimeoutMs int `yaml:"stream_close_timeout_ms" json:"stream_close_timeout_ms"`
}

// RoutingRule maps a prompt pattern to a role, with an optional working
// directory override.
type RoutingRule struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Role    string `yaml:"role" json:"role"`
	CWD     string `yaml:"cwd,omitempty" json:"cwd,omitempty"`
}

// AgentConfig describes how child agent processes are launched.
type AgentConfig struct {
	Binary string   `yaml:"binary" json:"binary"`
	Args   []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// ServerConfig holds the WebSocket/HTTP bind address.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// BusConfig controls the embedded NATS bus and its publishing provider.
type BusConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Port    int  `yaml:"port" json:"port"`
}

// NotifyConfig toggles the desktop notification provider.
type NotifyConfig struct {
	Toast bool `yaml:"toast" json:"toast"`
}
