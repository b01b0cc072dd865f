package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"mdquery/internal/dialect"
	"mdquery/internal/engine"
)

// configEnv overrides the location of the profile file.
const configEnv = "MDQ_CONFIG"

// UserConfig is the profile file, ~/.mdq/config.yaml unless MDQ_CONFIG
// points elsewhere.
type UserConfig struct {
	CurrentProfile string             `yaml:"current-profile" json:"current_profile"`
	Profiles       map[string]Profile `yaml:"profiles" json:"profiles"`
}

// Profile holds the defaults of one named target. With Host set, commands
// go to an mdq server; otherwise the local engine fields apply.
type Profile struct {
	Host   string `yaml:"host,omitempty" json:"host,omitempty"`
	APIKey string `yaml:"api-key,omitempty" json:"api_key,omitempty"`
	Token  string `yaml:"token,omitempty" json:"token,omitempty"`
	User   string `yaml:"user,omitempty" json:"user,omitempty"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`

	Engine  string `yaml:"engine,omitempty" json:"engine,omitempty"`
	DSN     string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	Dialect string `yaml:"dialect,omitempty" json:"dialect,omitempty"`
	Catalog string `yaml:"catalog,omitempty" json:"catalog,omitempty"`
	Data    string `yaml:"data,omitempty" json:"data,omitempty"`
}

// Validate rejects engines and dialects mdq does not know, and profiles that
// name both a server and a local engine.
func (p Profile) Validate() error {
	var errs []error
	if p.Engine != "" && !slices.Contains(engine.Kinds(), strings.ToLower(p.Engine)) {
		errs = append(errs, fmt.Errorf("unknown engine %q (want one of %s)", p.Engine, strings.Join(engine.Kinds(), ", ")))
	}
	if p.Dialect != "" && !slices.Contains(dialect.Names(), strings.ToLower(p.Dialect)) {
		errs = append(errs, fmt.Errorf("unknown dialect %q (want one of %s)", p.Dialect, strings.Join(dialect.Names(), ", ")))
	}
	if p.Host != "" && (p.Engine != "" || p.DSN != "" || p.Data != "") {
		errs = append(errs, errors.New("a profile with a host cannot also set engine, dsn or data"))
	}
	if err := validateOutputFormat(p.Output); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ActiveProfile returns the override profile if given, else the current one.
// Unknown names yield an empty profile.
func (c *UserConfig) ActiveProfile(override string) Profile {
	name := c.CurrentProfile
	if override != "" {
		name = override
	}
	return c.Profiles[name]
}

// ConfigPath returns the profile file location.
func ConfigPath() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".mdq", "config.yaml")
	}
	return filepath.Join(home, ".mdq", "config.yaml")
}

// LoadUserConfig reads the profile file.
func LoadUserConfig() (*UserConfig, error) {
	path := ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg UserConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]Profile{}
	}
	return &cfg, nil
}

// SaveUserConfig writes the profile file readable by the owner only, since
// profiles carry credentials and DSNs.
func SaveUserConfig(cfg *UserConfig) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
