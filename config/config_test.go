package config

import (
	"net"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	Version = ""
	os.Exit(m.Run())
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	afs := afero.NewMemMapFs()

	// no config file on disk, defaults should apply
	cfg, err := LoadConfig(afs, DefaultConfigPath)
	require.NoError(t, err, "loading without a config file should fall back to defaults")

	require.NoError(t, cfg.Validate(), "the default config should be valid")
	assert.Equal(t, 20, cfg.Detection.ScanThreshold)
	assert.Equal(t, 0.001, cfg.Fusion.Prior)
	assert.NotEmpty(t, cfg.Env.StateDirectory, "state directory should be set from the environment")
}

func TestReadFileConfig(t *testing.T) {
	afs := afero.NewMemMapFs()

	contents := []byte(`
	{
		detection: {
			scan_threshold: 30
			auth_fail_threshold: 7
		}
		fusion: {
			vip_hosts: ["192.168.50.10"]
		}
		filtering: {
			internal_subnets: ["10.0.0.0/8", "10.0.0.0/8", "192.168.0.0/16"]
		}
	}
	`)
	require.NoError(t, afero.WriteFile(afs, "config.hjson", contents, 0o644))

	cfg, err := ReadFileConfig(afs, "config.hjson")
	require.NoError(t, err)

	// overridden values
	assert.Equal(t, 30, cfg.Detection.ScanThreshold)
	assert.Equal(t, 7, cfg.Detection.AuthFailThreshold)
	assert.Equal(t, []string{"192.168.50.10"}, cfg.Fusion.VIPHosts)

	// untouched values keep their defaults
	assert.Equal(t, 3, cfg.Detection.HashReuseThreshold)
	assert.Equal(t, 20, cfg.Graph.FanoutThreshold)
	assert.Equal(t, 0.90, cfg.Fusion.AlertScoreThreshold)

	// duplicate subnet entries collapse to one
	require.Len(t, cfg.Filtering.InternalSubnets, 2)
	assert.Equal(t, "::ffff:10.0.0.0/104", cfg.Filtering.InternalSubnets[0].ToString())
}

func TestReadFileConfigMissingFile(t *testing.T) {
	afs := afero.NewMemMapFs()
	_, err := ReadFileConfig(afs, "missing.hjson")
	require.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		config      string
		expectError bool
	}{
		{
			name:        "defaults pass",
			config:      `{}`,
			expectError: false,
		},
		{
			name:        "scan threshold below minimum",
			config:      `{detection: {scan_threshold: 1}}`,
			expectError: true,
		},
		{
			name:        "max hops below min hops",
			config:      `{graph: {min_hops: 5, max_hops: 4}}`,
			expectError: true,
		},
		{
			name:        "prior out of range",
			config:      `{fusion: {prior: 1.5}}`,
			expectError: true,
		},
		{
			name:        "alert threshold above block rung",
			config:      `{fusion: {alert_score_threshold: 0.99995}}`,
			expectError: true,
		},
		{
			name:        "invalid vip host",
			config:      `{fusion: {vip_hosts: ["not-an-ip"]}}`,
			expectError: true,
		},
		{
			name:        "no worker lanes",
			config:      `{pipeline: {worker_lanes: 0}}`,
			expectError: true,
		},
		{
			name:        "invalid feed url",
			config:      `{threat_intel: {online_feeds: ["not a url"]}}`,
			expectError: true,
		},
		{
			name:        "empty internal subnets",
			config:      `{filtering: {internal_subnets: []}}`,
			expectError: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env := Env{LogLevel: 1, StateDirectory: "/state"}
			_, err := ReadConfigFromMemory([]byte(test.config), env)
			if test.expectError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestCheckIfInternal(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.True(t, cfg.Filtering.CheckIfInternal(net.ParseIP("10.20.30.40")))
	assert.True(t, cfg.Filtering.CheckIfInternal(net.ParseIP("172.16.9.1")))
	assert.True(t, cfg.Filtering.CheckIfInternal(net.ParseIP("192.168.1.1")))
	assert.False(t, cfg.Filtering.CheckIfInternal(net.ParseIP("8.8.8.8")))
	assert.False(t, cfg.Filtering.CheckIfInternal(net.ParseIP("203.0.113.7")))
}

func TestFilteringAddrIsInternal(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.True(t, cfg.Filtering.AddrIsInternal("10.20.30.40"))
	assert.True(t, cfg.Filtering.AddrIsInternal("192.168.1.1"))
	assert.False(t, cfg.Filtering.AddrIsInternal("8.8.8.8"))
	assert.False(t, cfg.Filtering.AddrIsInternal("127.0.0.1"))
	assert.False(t, cfg.Filtering.AddrIsInternal("169.254.10.1"))
	assert.False(t, cfg.Filtering.AddrIsInternal("not-an-ip"))
	assert.False(t, cfg.Filtering.AddrIsInternal(""))
}
