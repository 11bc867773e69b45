package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/goxa/txmanager"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "goxa.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.TXManager.Timeout)
	assert.Equal(t, 10*time.Second, cfg.TXManager.MonitorTick)
	assert.Equal(t, string(txmanager.DirectionRollback), cfg.TXManager.HeuristicDirection)
	assert.Equal(t, txmanager.DefaultFormatID, cfg.TXManager.FormatID)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, txmanager.DefaultLockKey, cfg.Redis.LockKey)
	assert.Empty(t, cfg.Redis.Address)
}

func TestLoadFile(t *testing.T) {
	id := xa.NewInstanceID()
	path := writeConfig(t, `
log:
  level: debug
  filename: /var/log/goxa/goxa.log
  max_size_mb: 64
txmanager:
  timeout: 30s
  heuristic_direction: manual
  retry_limit: 3
  instance_id: `+id.String()+`
  inbound_providers: [sup-a, sup-b]
storage:
  driver: mysql
  dsn: root:pwd@tcp(127.0.0.1:3306)/goxa?parseTime=true
redis:
  address: 127.0.0.1:6379
`)
	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 64, cfg.Log.MaxSizeMB)
	assert.Equal(t, 30*time.Second, cfg.TXManager.Timeout)
	assert.Equal(t, 3, cfg.TXManager.RetryLimit)
	assert.Equal(t, []string{"sup-a", "sup-b"}, cfg.TXManager.InboundProviders)
	assert.Equal(t, StorageMySQL, cfg.Storage.Driver)
	assert.Equal(t, "tranlog", cfg.Storage.TranLogName)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Address)

	o := &txmanager.Options{}
	for _, opt := range cfg.Options() {
		opt(o)
	}
	assert.Equal(t, 30*time.Second, o.Timeout)
	assert.Equal(t, txmanager.DirectionManual, o.HeuristicDirection)
	assert.Equal(t, id, o.InstanceID)
	assert.Equal(t, []string{"sup-a", "sup-b"}, o.InboundProviders)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("GOXA_TXMANAGER_HEURISTIC_DIRECTION", "commit")
	t.Setenv("GOXA_TXMANAGER_TIMEOUT", "2s")
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, string(txmanager.DirectionCommit), cfg.TXManager.HeuristicDirection)
	assert.Equal(t, 2*time.Second, cfg.TXManager.Timeout)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "direction", content: "txmanager:\n  heuristic_direction: sideways\n"},
		{name: "instance id", content: "txmanager:\n  instance_id: zz\n"},
		{name: "mysql without dsn", content: "storage:\n  driver: mysql\n"},
		{name: "same log names", content: "storage:\n  driver: mysql\n  dsn: x\n  tranlog_name: a\n  partnerlog_name: a\n"},
		{name: "driver", content: "storage:\n  driver: etcd\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(New(), writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
