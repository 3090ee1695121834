package config

import "fmt"

// Load reads, merges, and decodes the configuration file at path, then
// validates its version and fills in defaults for unset fields.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if cfg.BackendsFile == "" {
		return nil, fmt.Errorf("config %s: backends_file is required", path)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.SkillsBackend == "" {
		cfg.SkillsBackend = d.SkillsBackend
	}
	if cfg.GatewayToolPrefix == "" {
		cfg.GatewayToolPrefix = d.GatewayToolPrefix
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
}

// LoadBackendsFile reads and decodes the {mcpServers: ...} backends file
// at path. Paths in the file are used as-is; resolving them against the
// file's own directory is left to the caller.
func LoadBackendsFile(path string) (*BackendsFileDoc, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("loading backends file %s: %w", path, err)
	}
	var doc BackendsFileDoc
	if err := remarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing backends file %s: %w", path, err)
	}
	if len(doc.MCPServers) == 0 {
		return nil, fmt.Errorf("backends file %s: mcpServers is empty", path)
	}
	return &doc, nil
}

// LoadRoleOverrides reads and decodes a role-overrides file.
func LoadRoleOverrides(path string) (*RoleOverridesDoc, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("loading role overrides %s: %w", path, err)
	}
	var doc RoleOverridesDoc
	if err := remarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing role overrides %s: %w", path, err)
	}
	return &doc, nil
}
