package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
target:
  port: 8443
selector:
  Name: cloudfront
  AutoUpdate: "true"
`))
	require.NoError(t, err)

	assert.Equal(t, "CLOUDFRONT", cfg.Target.Service)
	assert.Equal(t, "tcp", cfg.Target.Protocol)
	assert.Equal(t, 50, cfg.Target.Capacity)
	assert.Equal(t, map[string]string{"Name": "cloudfront", "AutoUpdate": "true"}, cfg.Selector)
	assert.Equal(t, "md5", cfg.Source.Digest)
	assert.Equal(t, 30*time.Second, cfg.Source.Timeout.Duration())
	assert.Equal(t, "ec2", cfg.Provider.Kind)
	assert.Equal(t, "local", cfg.Lock.Backend)
	assert.Equal(t, 4, cfg.Reconciler.Workers)
	assert.Equal(t, 10.0, cfg.Reconciler.RateLimitRPS)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Ledger.RetentionDays)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout.Duration())
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("EDGESYNC_PORT", "443")
	t.Setenv("EDGESYNC_REDIS", "")

	cfg, err := Parse([]byte(`
target:
  port: ${EDGESYNC_PORT}
selector:
  Name: ${EDGESYNC_NAME:cloudfront}
lock:
  backend: redis
  redis_url: ${EDGESYNC_REDIS:redis://localhost:6379/0}
resync:
  interval: 1h
`))
	require.NoError(t, err)

	assert.Equal(t, int32(443), cfg.Target.Port)
	assert.Equal(t, "cloudfront", cfg.Selector["Name"])
	assert.Equal(t, "redis://localhost:6379/0", cfg.Lock.RedisURL)
	assert.Equal(t, time.Hour, cfg.Resync.Interval.Duration())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing port", "selector: {Name: x}"},
		{"port out of range", "target: {port: 70000}\nselector: {Name: x}"},
		{"no selector for ec2", "target: {port: 443}"},
		{"bad digest", "target: {port: 443}\nselector: {Name: x}\nsource: {digest: sha1}"},
		{"bad provider", "target: {port: 443}\nselector: {Name: x}\nprovider: {kind: gcp}"},
		{"redis without url", "target: {port: 443}\nselector: {Name: x}\nlock: {backend: redis}"},
		{"bad duration", "target: {port: 443}\nselector: {Name: x}\nresync: {interval: soon}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target: {port: 8443}\nprovider: {kind: memory}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Provider.Kind)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_MemoryFragments(t *testing.T) {
	cfg, err := Parse([]byte(`
target:
  port: 8443
  revoke_stale: true
provider:
  kind: memory
  resources:
    - id: sg-1
      tags: {Name: cloudfront}
      fragments:
        - from_port: 8443
          cidrs: [203.0.113.0/24]
        - protocol: udp
          from_port: 8000
          to_port: 9000
          cidrs: [198.51.100.0/24]
`))
	require.NoError(t, err)

	assert.True(t, cfg.Target.RevokeStale)
	require.Len(t, cfg.Provider.Resources, 1)
	assert.Equal(t, []MemoryFragment{
		{Protocol: "tcp", FromPort: 8443, ToPort: 8443, CIDRs: []string{"203.0.113.0/24"}},
		{Protocol: "udp", FromPort: 8000, ToPort: 9000, CIDRs: []string{"198.51.100.0/24"}},
	}, cfg.Provider.Resources[0].Fragments)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("EDGESYNC_SET", "value")
	assert.Equal(t, "a=value b=fallback c=", expandEnvVars("a=${EDGESYNC_SET} b=${EDGESYNC_UNSET_X:fallback} c=${EDGESYNC_UNSET_Y}"))
}
