// Package config loads connector settings from defaults, environment
// variables, an optional YAML file and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Extra-Chill/connector-ssh/internal/audit"
	"github.com/Extra-Chill/connector-ssh/internal/mode"
	"github.com/Extra-Chill/connector-ssh/internal/rules"
	"github.com/Extra-Chill/connector-ssh/internal/sessions"
)

// EnvPrefix prefixes every environment variable, with dots in keys
// replaced by underscores: CONNECTOR_SSH_SSH_PORT.
const EnvPrefix = "CONNECTOR_SSH"

type Config struct {
	Debug   bool   `mapstructure:"debug"`
	LogFile string `mapstructure:"log_file"`
	SSH     SSH    `mapstructure:"ssh"`
	Rules   Rules  `mapstructure:"rules"`
	Audit   Audit  `mapstructure:"audit"`
}

type SSH struct {
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	KnownHosts     string        `mapstructure:"known_hosts"`
	IdentityFiles  []string      `mapstructure:"identity_files"`
	UseAgent       bool          `mapstructure:"use_agent"`
}

type Rules struct {
	File          string            `mapstructure:"file"`
	DefaultAction string            `mapstructure:"default_action"`
	Mode          string            `mapstructure:"mode"`
	HostModes     map[string]string `mapstructure:"host_modes"`
}

type Audit struct {
	Limit int `mapstructure:"limit"`
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log_file", "")

	// SSH defaults
	v.SetDefault("ssh.port", sessions.DefaultPort)
	v.SetDefault("ssh.connect_timeout", sessions.DefaultConnectTimeout)
	v.SetDefault("ssh.known_hosts", "")
	v.SetDefault("ssh.identity_files", []string{"~/.ssh/id_rsa", "~/.ssh/id_ecdsa", "~/.ssh/id_ed25519"})
	v.SetDefault("ssh.use_agent", true)

	// Rules defaults
	v.SetDefault("rules.file", "")
	v.SetDefault("rules.default_action", rules.ActionAllow)
	v.SetDefault("rules.mode", string(mode.Enforce))
	v.SetDefault("rules.host_modes", map[string]string{})

	v.SetDefault("audit.limit", audit.DefaultLimit)
}

// Init registers the command line flags and binds them to v.
func Init(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()
	flags.BoolP("debug", "d", false, "log everything, including protocol and SSH traces")
	flags.StringP("log-file", "l", "", "write logs to `FILE` instead of stderr")
	flags.StringP("config", "c", "", "read settings from YAML `FILE`")

	if err := v.BindPFlag("debug", flags.Lookup("debug")); err != nil {
		return err
	}
	return v.BindPFlag("log_file", flags.Lookup("log-file"))
}

// Load reads file, if set, and decodes the merged settings.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port %d out of range", c.SSH.Port)
	}
	if c.SSH.ConnectTimeout < 0 {
		return errors.New("ssh.connect_timeout must not be negative")
	}
	switch c.Rules.DefaultAction {
	case rules.ActionAllow, rules.ActionBlock:
	default:
		return fmt.Errorf("rules.default_action must be %q or %q, got %q",
			rules.ActionAllow, rules.ActionBlock, c.Rules.DefaultAction)
	}
	if _, err := mode.FromConfig(c.Rules.Mode, c.Rules.HostModes); err != nil {
		return fmt.Errorf("rules.mode: %w", err)
	}
	return nil
}

// Sessions returns the dial settings for new sessions.
func (c *Config) Sessions() sessions.Config {
	return sessions.Config{
		Port:           c.SSH.Port,
		ConnectTimeout: c.SSH.ConnectTimeout,
		KnownHostsFile: c.SSH.KnownHosts,
		IdentityFiles:  c.SSH.IdentityFiles,
		UseAgent:       c.SSH.UseAgent,
	}
}

// RulesEngine loads the rules file. Without a file the engine applies the
// default action to every order.
func (c *Config) RulesEngine() (*rules.Engine, error) {
	engine := rules.NewEngine(rules.WithDefaultAction(c.Rules.DefaultAction))
	if c.Rules.File == "" {
		return engine, nil
	}
	if err := engine.LoadRules(c.Rules.File); err != nil {
		return nil, err
	}
	return engine, nil
}

// Modes builds the host mode manager.
func (c *Config) Modes() (*mode.Manager, error) {
	return mode.FromConfig(c.Rules.Mode, c.Rules.HostModes)
}
