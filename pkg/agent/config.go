package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xucaiyong/flocker/pkg/backend"
)

// Config is the agent's configuration, normally loaded from a YAML file.
type Config struct {
	// NodeID identifies this node in the cluster. Must be stable across
	// restarts; datasets attached to this node are keyed by it.
	NodeID string `yaml:"node_id"`

	// ControlAddress is the base URL of the control service,
	// e.g. "http://control.internal:4523".
	ControlAddress string `yaml:"control_address"`

	// ListenAddress is the bind address for the agent's own HTTP endpoint
	// (handoff receives, health, metrics).
	ListenAddress string `yaml:"listen_address"`

	// AdvertiseAddress is the address peers use to reach this agent. Falls
	// back to ListenAddress when empty.
	AdvertiseAddress string `yaml:"advertise_address"`

	// Backend selects and configures the local storage driver.
	Backend BackendConfig `yaml:"backend"`

	// ConvergeInterval is the fallback cadence of the convergence loop.
	// Configuration changes wake the loop immediately via the long-poll, so
	// this mostly governs re-checks of local drift on a quiet cluster.
	ConvergeInterval time.Duration `yaml:"converge_interval"`

	// HandoffTimeout bounds one snapshot push to a peer, including the
	// destination's restore and acknowledgement.
	HandoffTimeout time.Duration `yaml:"handoff_timeout"`
}

// BackendConfig selects a storage driver by name.
type BackendConfig struct {
	Name    string            `yaml:"name"`
	Root    string            `yaml:"root"`
	Options map[string]string `yaml:"options"`
}

// DefaultConvergeInterval is used when the config omits converge_interval.
const DefaultConvergeInterval = 10 * time.Second

// LoadConfig reads and validates an agent configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read agent config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse agent config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("agent config: node_id is required")
	}
	if c.ControlAddress == "" {
		return fmt.Errorf("agent config: control_address is required")
	}
	if c.ListenAddress == "" {
		c.ListenAddress = ":4524"
	}
	if c.AdvertiseAddress == "" {
		c.AdvertiseAddress = c.ListenAddress
	}
	if c.Backend.Name == "" {
		c.Backend.Name = "loopback"
	}
	if c.ConvergeInterval <= 0 {
		c.ConvergeInterval = DefaultConvergeInterval
	}
	return nil
}

// DriverConfig translates the backend section into the driver constructor's
// configuration.
func (c Config) DriverConfig() backend.Config {
	return backend.Config{
		NodeID:  c.NodeID,
		Root:    c.Backend.Root,
		Options: c.Backend.Options,
	}
}
