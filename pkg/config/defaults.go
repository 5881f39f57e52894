package config

import (
	"github.com/spf13/viper"

	"github.com/Nativu5/fcdisc/pkg/cdi"
	"github.com/Nativu5/fcdisc/pkg/disc"
	"github.com/Nativu5/fcdisc/pkg/node"
)

// setDefaults registers every scalar key with viper so that environment
// overrides apply even without a config file.
func setDefaults(v *viper.Viper) {
	def := GetDefaultConfig()

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)

	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.textfile", def.Metrics.Textfile)

	d := def.Discovery
	v.SetDefault("discovery.dev_loss_timeout", d.DevLossTimeout)
	v.SetDefault("discovery.retry_delay", d.RetryDelay)
	v.SetDefault("discovery.els_retries", d.ELSRetries)
	v.SetDefault("discovery.ns_query_retries", d.NSQueryRetries)
	v.SetDefault("discovery.discovery_timeout", d.DiscoveryTimeout)
	v.SetDefault("discovery.discovery_threads", d.DiscoveryThreads)
	v.SetDefault("discovery.reauth_interval", d.ReauthInterval)
	v.SetDefault("discovery.use_adisc", d.UseADISC)
	v.SetDefault("discovery.fast_event_cap", d.FastEventCap)
	v.SetDefault("discovery.max_nodes", d.MaxNodes)
	v.SetDefault("discovery.max_vports", d.MaxVports)

	v.SetDefault("fcoe.enabled", def.FCoE.Enabled)
	v.SetDefault("fcoe.region_path", def.FCoE.RegionPath)

	v.SetDefault("cdi.prefix", def.CDI.Prefix)
	v.SetDefault("cdi.output_dir", def.CDI.OutputDir)
	v.SetDefault("cdi.format", def.CDI.Format)
}

// ApplyDefaults fills zero values left by a partial file. Zero retries and a
// zero reauth interval are valid settings and are kept.
func ApplyDefaults(cfg *Config) {
	def := GetDefaultConfig()

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}

	d := &cfg.Discovery
	if d.DevLossTimeout <= 0 {
		d.DevLossTimeout = def.Discovery.DevLossTimeout
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = def.Discovery.RetryDelay
	}
	if d.NSQueryRetries <= 0 {
		d.NSQueryRetries = def.Discovery.NSQueryRetries
	}
	if d.DiscoveryTimeout <= 0 {
		d.DiscoveryTimeout = def.Discovery.DiscoveryTimeout
	}
	if d.DiscoveryThreads <= 0 {
		d.DiscoveryThreads = def.Discovery.DiscoveryThreads
	}
	if d.FastEventCap <= 0 {
		d.FastEventCap = def.Discovery.FastEventCap
	}
	if d.MaxNodes <= 0 {
		d.MaxNodes = def.Discovery.MaxNodes
	}
	if d.MaxVports <= 0 {
		d.MaxVports = def.Discovery.MaxVports
	}

	if cfg.CDI.Prefix == "" {
		cfg.CDI.Prefix = def.CDI.Prefix
	}
	if cfg.CDI.OutputDir == "" {
		cfg.CDI.OutputDir = def.CDI.OutputDir
	}
	if cfg.CDI.Format == "" {
		cfg.CDI.Format = def.CDI.Format
	}
}

// GetDefaultConfig returns the built-in configuration.
func GetDefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Discovery: DiscoveryConfig{
			DevLossTimeout:   disc.DefaultDevLossTimeout,
			RetryDelay:       disc.DefaultRetryDelay,
			ELSRetries:       disc.DefaultELSRetries,
			NSQueryRetries:   disc.DefaultNSQueryRetries,
			DiscoveryTimeout: disc.DefaultDiscoveryTimeout,
			DiscoveryThreads: disc.DefaultDiscoveryThreads,
			FastEventCap:     disc.DefaultFastEventCap,
			MaxNodes:         node.DefaultMaxNodes,
			MaxVports:        disc.DefaultMaxVports,
		},
		CDI: CDIConfig{
			Prefix:    cdi.DefaultPrefix,
			OutputDir: cdi.DefaultOutputDir,
			Format:    "yaml",
		},
	}
}
