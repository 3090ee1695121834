// Package config loads the gateway's own configuration: YAML or JSON5,
// with $include resolution and environment-variable expansion, decoded
// strictly into a typed Config.
package config

import "time"

// Config is the gateway's own configuration, independent of the backend
// configuration file it points at (see BackendsFile).
type Config struct {
	// Version is the config file format version; see ValidateVersion.
	Version int `yaml:"version"`
	// BackendsFile points at the {mcpServers: {...}} file describing
	// every backend to spawn.
	BackendsFile string `yaml:"backends_file"`
	// RoleOverridesFile optionally points at a file of per-role
	// inherits/systemInstruction overrides, hot-reloaded via fsnotify.
	RoleOverridesFile string `yaml:"role_overrides_file"`
	// SkillsBackend names the registered backend whose list_skills tool
	// bootstraps the role store.
	SkillsBackend string `yaml:"skills_backend"`
	// DefaultRole hints which role to activate at startup when the
	// bootstrapped manifest defines more than one.
	DefaultRole string `yaml:"default_role"`
	// GatewayToolPrefix replaces the default "router" source label of
	// gateway-level tools. Their names stay unprefixed.
	GatewayToolPrefix string `yaml:"gateway_tool_prefix"`
	// HandshakeTimeout bounds how long a backend's initialize is awaited
	// before falling back to optimistic connect. Zero uses the built-in
	// default.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// RequestTimeout bounds a single outbound request when a backend
	// does not specify its own. Zero uses the built-in default.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RestartInterval is the initial delay before a crashed backend is
	// respawned; consecutive restarts back off exponentially from it.
	RestartInterval time.Duration `yaml:"restart_interval"`
	// Groups expands `group:<name>` shorthand in a role's tool patterns.
	Groups map[string][]string `yaml:"groups"`
	// MetricsAddr, if set, serves Prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics_addr"`
	// LogLevel controls the slog handler level: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Defaults returns a Config with every zero-value field set to its
// built-in default.
func Defaults() *Config {
	return &Config{
		Version:           CurrentVersion,
		SkillsBackend:     "skills",
		GatewayToolPrefix: "router",
		LogLevel:          "info",
	}
}

// BackendsFileDoc is the shape of the backend configuration file: a
// JSON/JSON5/YAML object naming each backend to spawn.
type BackendsFileDoc struct {
	MCPServers map[string]BackendSpec `yaml:"mcpServers" json:"mcpServers"`
}

// BackendSpec is one entry in BackendsFileDoc.MCPServers.
type BackendSpec struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
}

// RoleOverridesDoc is the shape of the role-overrides file.
type RoleOverridesDoc struct {
	Roles []RoleOverrideSpec `yaml:"roles" json:"roles"`
}

// RoleOverrideSpec is one role's operator-supplied override.
type RoleOverrideSpec struct {
	ID                string `yaml:"id" json:"id"`
	Inherits          string `yaml:"inherits" json:"inherits,omitempty"`
	SystemInstruction string `yaml:"systemInstruction" json:"systemInstruction,omitempty"`
}
