/*
Package config loads the JSON configuration file for the receiver and
delivery binaries, following the same load-then-Initialise validation
pattern every daemon in this codebase uses.
*/
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// ReceiverConfig configures cmd/vsmtpd.
type ReceiverConfig struct {
	Address        string   `json:"Address"`
	Port           int      `json:"Port"`
	ServerName     string   `json:"ServerName"`
	TLSCertPath    string   `json:"TLSCertPath"`
	TLSKeyPath     string   `json:"TLSKeyPath"`
	PerIPLimit     int      `json:"PerIPLimit"`
	MaxConnections int      `json:"MaxConnections"`
	MaxMessageSize int64    `json:"MaxMessageSize"`
	AuthMechanisms []string `json:"AuthMechanisms"`
	QueueName      string   `json:"QueueName"`
	QuarantineQueueName string `json:"QuarantineQueueName"`
	AWSRegion      string   `json:"AWSRegion"`
	DNSServer      string   `json:"DNSServer"`
}

// Initialise fills in defaults and validates required fields, the way
// every daemon's Initialise method in this codebase does before it starts
// accepting connections.
func (c *ReceiverConfig) Initialise() error {
	if c.Address == "" {
		c.Address = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 25
	}
	if c.ServerName == "" {
		return fmt.Errorf("config: ReceiverConfig.ServerName must not be empty")
	}
	if c.PerIPLimit < 1 {
		c.PerIPLimit = 16
	}
	if c.MaxConnections < 1 {
		c.MaxConnections = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 35 * 1024 * 1024
	}
	if c.DNSServer == "" {
		c.DNSServer = "1.1.1.1:53"
	}
	if c.QueueName == "" {
		return fmt.Errorf("config: ReceiverConfig.QueueName must not be empty")
	}
	return nil
}

// DeliveryConfig configures cmd/vsmtp-deliver.
type DeliveryConfig struct {
	SpoolDir      string `json:"SpoolDir"`
	HELOName      string `json:"HELOName"`
	AuthUsername  string `json:"AuthUsername"`
	AuthPassword  string `json:"AuthPassword"`
	DNSServer     string `json:"DNSServer"`
	MaxAttempts   int    `json:"MaxAttempts"`
}

func (c *DeliveryConfig) Initialise() error {
	if c.SpoolDir == "" {
		return fmt.Errorf("config: DeliveryConfig.SpoolDir must not be empty")
	}
	if c.HELOName == "" {
		return fmt.Errorf("config: DeliveryConfig.HELOName must not be empty")
	}
	if c.DNSServer == "" {
		c.DNSServer = "1.1.1.1:53"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 12
	}
	return nil
}

// Load reads and JSON-decodes a config value from path.
func Load(path string, dest interface{}) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(content, dest); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}
