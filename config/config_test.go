package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReceiverConfigInitialiseDefaults(t *testing.T) {
	cfg := ReceiverConfig{ServerName: "mx.example.com", QueueName: "accepted"}
	require.NoError(t, cfg.Initialise())
	require.Equal(t, "0.0.0.0", cfg.Address)
	require.Equal(t, 25, cfg.Port)
	require.Equal(t, 16, cfg.PerIPLimit)
	require.Equal(t, 256, cfg.MaxConnections)
	require.Equal(t, int64(35*1024*1024), cfg.MaxMessageSize)
	require.Equal(t, "1.1.1.1:53", cfg.DNSServer)
}

func TestReceiverConfigInitialiseRequiresServerName(t *testing.T) {
	cfg := ReceiverConfig{QueueName: "accepted"}
	require.Error(t, cfg.Initialise())
}

func TestReceiverConfigInitialiseRequiresQueueName(t *testing.T) {
	cfg := ReceiverConfig{ServerName: "mx.example.com"}
	require.Error(t, cfg.Initialise())
}

func TestDeliveryConfigInitialiseDefaults(t *testing.T) {
	cfg := DeliveryConfig{SpoolDir: "/tmp/spool", HELOName: "client.example.com"}
	require.NoError(t, cfg.Initialise())
	require.Equal(t, "1.1.1.1:53", cfg.DNSServer)
	require.Equal(t, 12, cfg.MaxAttempts)
}

func TestDeliveryConfigInitialiseRequiresSpoolDir(t *testing.T) {
	cfg := DeliveryConfig{HELOName: "client.example.com"}
	require.Error(t, cfg.Initialise())
}

func TestLoadParsesJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ServerName":"mx.example.com","QueueName":"accepted","Port":2525}`), 0o600))

	var cfg ReceiverConfig
	require.NoError(t, Load(path, &cfg))
	require.Equal(t, "mx.example.com", cfg.ServerName)
	require.Equal(t, "accepted", cfg.QueueName)
	require.Equal(t, 2525, cfg.Port)
}

func TestLoadMissingFile(t *testing.T) {
	var cfg ReceiverConfig
	require.Error(t, Load("/nonexistent/path.json", &cfg))
}
