package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/fcdisc/pkg/disc"
	"github.com/Nativu5/fcdisc/pkg/fcf"
	"github.com/Nativu5/fcdisc/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// isolate points the default location at an empty directory.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestLoad_PartialFile(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
logging:
  level: debug
discovery:
  dev_loss_timeout: 45s
  discovery_threads: 8
  use_adisc: true
fcoe:
  enabled: true
  conn_list:
    - fabric_name: "10:00:00:05:1e:00:00:01"
      vlan: 100
      addr_mode: fpma
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 45*time.Second, cfg.Discovery.DevLossTimeout)
	assert.Equal(t, 8, cfg.Discovery.DiscoveryThreads)
	assert.True(t, cfg.Discovery.UseADISC)
	assert.Equal(t, disc.DefaultRetryDelay, cfg.Discovery.RetryDelay)
	assert.Equal(t, disc.DefaultELSRetries, cfg.Discovery.ELSRetries)
	assert.Zero(t, cfg.Discovery.ReauthInterval)

	require.Len(t, cfg.FCoE.ConnList, 1)
	assert.Equal(t, types.WWN(0x100000051e000001), cfg.FCoE.ConnList[0].FabricName)
	assert.Equal(t, uint16(100), cfg.FCoE.ConnList[0].VLAN)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfig(), cfg)
}

func TestLoad_EnvOverride(t *testing.T) {
	isolate(t)
	t.Setenv("FCDISC_DISCOVERY_DEV_LOSS_TIMEOUT", "90s")
	t.Setenv("FCDISC_LOGGING_FORMAT", "json")
	t.Setenv("FCDISC_FCOE_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Discovery.DevLossTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.FCoE.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	isolate(t)
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad format", content: "logging:\n  format: xml\n"},
		{name: "bad duration", content: "discovery:\n  retry_delay: soon\n"},
		{name: "bad addr mode", content: "fcoe:\n  conn_list:\n    - addr_mode: wifi\n"},
		{name: "bad vlan", content: "fcoe:\n  conn_list:\n    - vlan: 5000\n"},
		{name: "textfile without metrics", content: "metrics:\n  textfile: /tmp/fcdisc.prom\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()
	cfg.Discovery.ReauthInterval = 10 * time.Minute
	cfg.FCoE.Enabled = true
	cfg.FCoE.ConnList = []ConnConfig{{
		SwitchName: 0x200000051e000002,
		Boot:       true,
		AddrMode:   "spma",
	}}

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestDiscOptions(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Discovery.ELSRetries = 0
	cfg.FCoE.Enabled = true
	cfg.FCoE.ConnList = []ConnConfig{
		{FabricName: 0x100000051e000001, VLAN: 100, Preferred: true},
		{AddrMode: "spma", AddrModePreferred: true},
	}

	opts, err := cfg.DiscOptions()
	require.NoError(t, err)
	assert.Equal(t, -1, opts.ELSRetries)
	assert.True(t, opts.FCoE)
	assert.Equal(t, disc.DefaultDevLossTimeout, opts.DevLossTimeout)

	require.Len(t, opts.Conns, 2)
	first := opts.Conns[0]
	assert.Equal(t, fcf.ConnValid|fcf.ConnFabricNameValid|fcf.ConnVLANValid|fcf.ConnPref, first.Flags)
	assert.Equal(t, uint16(100), first.VLANID)
	second := opts.Conns[1]
	assert.Equal(t, fcf.ConnValid|fcf.ConnAddrModeValid|fcf.ConnAddrModeSPMA|fcf.ConnAddrModePref, second.Flags)
}

func TestDiscOptions_Region(t *testing.T) {
	blob, err := fcf.EncodeRegion(&fcf.Region{
		Version: 1,
		Conns: fcf.ConnList{{
			Flags:      fcf.ConnValid | fcf.ConnSwitchNameValid,
			SwitchName: 0x200000051e000002,
		}},
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "region.bin")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	cfg := GetDefaultConfig()
	cfg.FCoE.RegionPath = path
	opts, err := cfg.DiscOptions()
	require.NoError(t, err)
	require.Len(t, opts.Conns, 1)
	assert.Equal(t, types.WWN(0x200000051e000002), opts.Conns[0].SwitchName)

	// An explicit list wins over the region.
	cfg.FCoE.ConnList = []ConnConfig{{VLAN: 7}}
	opts, err = cfg.DiscOptions()
	require.NoError(t, err)
	require.Len(t, opts.Conns, 1)
	assert.Equal(t, uint16(7), opts.Conns[0].VLANID)

	cfg.FCoE.ConnList = nil
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = cfg.DiscOptions()
	assert.Error(t, err)
}

func TestApplyLogging(t *testing.T) {
	l := log.New()
	require.NoError(t, LoggingConfig{Level: "warn", Format: "json"}.ApplyLogging(l))
	assert.Equal(t, log.WarnLevel, l.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, l.Formatter)

	assert.Error(t, LoggingConfig{Level: "loud"}.ApplyLogging(l))
}
