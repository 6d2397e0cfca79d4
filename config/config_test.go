package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, RoleHub, cfg.Role)
	assert.Equal(t, "phone", cfg.NodeID)
	assert.Equal(t, "phone", cfg.MQTT.ClientID)
	assert.Equal(t, TransportInline, cfg.Peer.Transport)
	assert.Equal(t, "watch", cfg.Peer.Target)
	assert.Equal(t, 5*time.Second, cfg.Peer.SyncTimeout)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, ":1883", cfg.Broker.Addr)
	assert.Equal(t, "home/devices", cfg.Controller.TopicPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadPeerWithEnv(t *testing.T) {
	t.Setenv("HOMESYNC_TEST_BROKER", "mqtt://10.0.0.5:1883")
	t.Setenv("HOMESYNC_TEST_PASSWORD", "s3cret")

	path := writeConfig(t, `
role: peer
peer:
  sync_timeout: 2s
  auto_connect: true
mqtt:
  broker_url: ${HOMESYNC_TEST_BROKER}
  username: watch
  password: ${HOMESYNC_TEST_PASSWORD}
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, RolePeer, cfg.Role)
	assert.Equal(t, "watch", cfg.NodeID)
	assert.Equal(t, TransportMQTT, cfg.Peer.Transport)
	assert.Equal(t, "phone", cfg.Peer.Target)
	assert.Equal(t, 2*time.Second, cfg.Peer.SyncTimeout)
	assert.True(t, cfg.Peer.AutoConnect)
	assert.Equal(t, "mqtt://10.0.0.5:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, "s3cret", cfg.MQTT.Password)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown role":       "role: tablet\n",
		"hub over mqtt":      "role: hub\npeer:\n  transport: mqtt\n",
		"peer over inline":   "role: peer\npeer:\n  transport: inline\nmqtt:\n  discover: true\n",
		"peer without url":   "role: peer\n",
		"bad channel":        "bluetooth:\n  channel: 99\n",
		"bad yaml":           "role: [hub\n",
		"bad duration":       "peer:\n  sync_timeout: soon\n",
		"keep alive too big": "mqtt:\n  keep_alive: 70000\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestGenerateClientID(t *testing.T) {
	a := GenerateClientID("esp32")
	b := GenerateClientID("esp32")
	assert.True(t, strings.HasPrefix(a, "esp32-"))
	assert.NotEqual(t, a, b)
}
