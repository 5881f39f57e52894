// Package config loads fcdisc settings from a YAML file and FCDISC_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Nativu5/fcdisc/pkg/disc"
	"github.com/Nativu5/fcdisc/pkg/fcf"
	"github.com/Nativu5/fcdisc/pkg/types"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// FCDISC_DISCOVERY_DEV_LOSS_TIMEOUT=60s.
const EnvPrefix = "FCDISC"

// Config is the complete configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	FCoE      FCoEConfig      `mapstructure:"fcoe" yaml:"fcoe"`
	CDI       CDIConfig       `mapstructure:"cdi" yaml:"cdi"`
}

// LoggingConfig controls the logrus output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=trace debug info warn warning error fatal panic" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
}

// MetricsConfig controls the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Textfile receives the final metric values of a run in the text
	// exposition format, for the node exporter textfile collector.
	Textfile string `mapstructure:"textfile" yaml:"textfile,omitempty"`
}

// DiscoveryConfig are the discovery engine tunables.
type DiscoveryConfig struct {
	DevLossTimeout   time.Duration `mapstructure:"dev_loss_timeout" validate:"gt=0" yaml:"dev_loss_timeout"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" validate:"gt=0" yaml:"retry_delay"`
	ELSRetries       int           `mapstructure:"els_retries" validate:"gte=0,lte=255" yaml:"els_retries"`
	NSQueryRetries   int           `mapstructure:"ns_query_retries" validate:"gt=0" yaml:"ns_query_retries"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout" validate:"gt=0" yaml:"discovery_timeout"`
	DiscoveryThreads int           `mapstructure:"discovery_threads" validate:"gt=0,lte=4096" yaml:"discovery_threads"`
	ReauthInterval   time.Duration `mapstructure:"reauth_interval" validate:"gte=0" yaml:"reauth_interval"`
	UseADISC         bool          `mapstructure:"use_adisc" yaml:"use_adisc"`
	FastEventCap     int           `mapstructure:"fast_event_cap" validate:"gt=0" yaml:"fast_event_cap"`
	MaxNodes         int           `mapstructure:"max_nodes" validate:"gt=0" yaml:"max_nodes"`
	MaxVports        int           `mapstructure:"max_vports" validate:"gt=0" yaml:"max_vports"`
}

// FCoEConfig selects FCoE operation and the forwarder connection list.
type FCoEConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// RegionPath is a dump of the adapter configuration region. Its
	// connection list is used when ConnList is empty.
	RegionPath string       `mapstructure:"region_path" yaml:"region_path,omitempty"`
	ConnList   []ConnConfig `mapstructure:"conn_list" validate:"dive" yaml:"conn_list,omitempty"`
}

// ConnConfig is one connection-list entry. Zero names and VLAN match any
// forwarder.
type ConnConfig struct {
	FabricName types.WWN `mapstructure:"fabric_name" yaml:"fabric_name,omitempty"`
	SwitchName types.WWN `mapstructure:"switch_name" yaml:"switch_name,omitempty"`
	VLAN       uint16    `mapstructure:"vlan" validate:"lte=4095" yaml:"vlan,omitempty"`
	Boot       bool      `mapstructure:"boot" yaml:"boot,omitempty"`
	Preferred  bool      `mapstructure:"preferred" yaml:"preferred,omitempty"`
	// AddrMode restricts the MAC addressing mode; empty accepts either.
	AddrMode          string `mapstructure:"addr_mode" validate:"omitempty,oneof=fpma spma" yaml:"addr_mode,omitempty"`
	AddrModePreferred bool   `mapstructure:"addr_mode_preferred" yaml:"addr_mode_preferred,omitempty"`
}

// CDIConfig holds the defaults of the generate and cleanup commands.
type CDIConfig struct {
	Prefix    string `mapstructure:"prefix" validate:"required" yaml:"prefix"`
	OutputDir string `mapstructure:"output_dir" validate:"required" yaml:"output_dir"`
	Format    string `mapstructure:"format" validate:"oneof=json yaml" yaml:"format"`
}

// Load reads configPath, or the default location when it is empty. A
// missing default file is not an error; environment overrides still apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v, configPath != ""); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg as YAML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks field ranges and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.Metrics.Textfile != "" && !cfg.Metrics.Enabled {
		return errors.New("metrics.textfile requires metrics.enabled")
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(GetConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reports whether a file was read. Only an explicitly named
// file must exist.
func readConfigFile(v *viper.Viper, required bool) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !required && (errors.As(err, &notFound) || os.IsNotExist(err)) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// GetConfigDir returns $XDG_CONFIG_HOME/fcdisc or ~/.config/fcdisc.
func GetConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "fcdisc")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "fcdisc")
}

// GetDefaultConfigPath returns the file Load reads when no path is given.
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// ApplyLogging configures logger from the logging section.
func (c LoggingConfig) ApplyLogging(logger *log.Logger) error {
	lvl, err := log.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	logger.SetLevel(lvl)
	switch c.Format {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// DiscOptions converts the discovery and fcoe sections to engine options.
// The configuration region is read when the connection list is empty.
func (c *Config) DiscOptions() (disc.Options, error) {
	d := c.Discovery
	opts := disc.Options{
		DevLossTimeout:   d.DevLossTimeout,
		RetryDelay:       d.RetryDelay,
		ELSRetries:       d.ELSRetries,
		NSQueryRetries:   d.NSQueryRetries,
		DiscoveryTimeout: d.DiscoveryTimeout,
		DiscoveryThreads: d.DiscoveryThreads,
		ReauthInterval:   d.ReauthInterval,
		UseADISC:         d.UseADISC,
		FastEventCap:     d.FastEventCap,
		MaxNodes:         d.MaxNodes,
		MaxVports:        d.MaxVports,
		FCoE:             c.FCoE.Enabled,
	}
	// Zero retries is meaningful here; the engine treats negative as none.
	if d.ELSRetries == 0 {
		opts.ELSRetries = -1
	}

	conns, err := c.FCoE.Conns()
	if err != nil {
		return disc.Options{}, err
	}
	opts.Conns = conns
	return opts, nil
}

// Conns returns the connection list of the section.
func (c FCoEConfig) Conns() (fcf.ConnList, error) {
	if len(c.ConnList) > 0 {
		out := make(fcf.ConnList, 0, len(c.ConnList))
		for _, e := range c.ConnList {
			out = append(out, e.Entry())
		}
		return out, nil
	}
	if c.RegionPath == "" {
		return nil, nil
	}
	blob, err := os.ReadFile(c.RegionPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config region: %w", err)
	}
	reg, err := fcf.ParseRegion(blob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.RegionPath, err)
	}
	return reg.Conns, nil
}

// Entry converts c to a connection-list entry.
func (c ConnConfig) Entry() fcf.ConnEntry {
	e := fcf.ConnEntry{Flags: fcf.ConnValid}
	if c.FabricName != 0 {
		e.Flags |= fcf.ConnFabricNameValid
		e.FabricName = c.FabricName
	}
	if c.SwitchName != 0 {
		e.Flags |= fcf.ConnSwitchNameValid
		e.SwitchName = c.SwitchName
	}
	if c.VLAN != 0 {
		e.Flags |= fcf.ConnVLANValid
		e.VLANID = c.VLAN
	}
	if c.Boot {
		e.Flags |= fcf.ConnBoot
	}
	if c.Preferred {
		e.Flags |= fcf.ConnPref
	}
	if c.AddrMode != "" {
		e.Flags |= fcf.ConnAddrModeValid
		if c.AddrMode == "spma" {
			e.Flags |= fcf.ConnAddrModeSPMA
		}
		if c.AddrModePreferred {
			e.Flags |= fcf.ConnAddrModePref
		}
	}
	return e
}
