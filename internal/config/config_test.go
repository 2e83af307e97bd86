package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
listen: 127.0.0.1:9000
prefix: /dav/
log:
  level: debug
  format: json
ledger:
  retention: 72h
users:
  - id: alice
    password_hash: "$2a$04$abcdefghijklmnopqrstuuJ9Qm1m7hVY3Tc0eQ7m0zJ4oG1nq7wG2"
    addresses: [mailto:alice@example.com]
    collections:
      - id: alice-work
        display_name: Work
        default: true
      - id: alice-home
    grants:
      - delegate: bob
        write: true
  - id: bob
    password_hash: "$2a$04$abcdefghijklmnopqrstuuJ9Qm1m7hVY3Tc0eQ7m0zJ4oG1nq7wG2"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "caldora.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "/dav/", cfg.Prefix)
	assert.Equal(t, "Caldora", cfg.Realm, "unset keys keep their default")
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 72*time.Hour, cfg.Ledger.Retention)
	assert.Equal(t, "17 3 * * *", cfg.Ledger.CompactionCron)

	require.Len(t, cfg.Users, 2)
	alice := cfg.Users[0]
	assert.Equal(t, []string{"mailto:alice@example.com"}, alice.Addresses)
	require.Len(t, alice.Collections, 2)
	assert.True(t, alice.Collections[0].Default)
	assert.Equal(t, []GrantConfig{{Delegate: "bob", Write: true}}, alice.Grants)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("CALDORA_LISTEN_ADDR", ":7000")
	t.Setenv("CALDORA_STORAGE_DRIVER", "postgres")
	t.Setenv("CALDORA_DB_DSN", "postgres://localhost/caldora")
	t.Setenv("CALDORA_METRICS_ENABLED", "off")
	t.Setenv("CALDORA_DEFAULT_ALARM_AGENTS", "iOS, , Thunderbird")
	t.Setenv("CALDORA_LEDGER_RETENTION", "48h")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://localhost/caldora", cfg.Storage.DSN)
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, []string{"iOS", "Thunderbird"}, cfg.DefaultAlarmAgents)
	assert.Equal(t, 48*time.Hour, cfg.Ledger.Retention)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{name: "bad yaml", content: "listen: [\n"},
		{name: "unknown driver", content: "storage:\n  driver: sqlite\n"},
		{name: "postgres without dsn", content: "storage:\n  driver: postgres\n"},
		{name: "bad format", content: "log:\n  format: xml\n"},
		{name: "user without hash", content: "users:\n  - id: alice\n"},
		{name: "duplicate user", content: "users:\n  - id: a\n    password_hash: x\n  - id: a\n    password_hash: x\n"},
		{name: "two defaults", content: "users:\n  - id: a\n    password_hash: x\n    collections:\n      - {id: c1, default: true}\n      - {id: c2, default: true}\n"},
		{name: "unknown delegate", content: "users:\n  - id: a\n    password_hash: x\n    grants:\n      - delegate: ghost\n"},
		{name: "bad retention env", content: "", env: map[string]string{"CALDORA_LEDGER_RETENTION": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
