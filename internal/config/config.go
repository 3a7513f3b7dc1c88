package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"iotquery/internal/logging"
)

// RemoteDevice is a device hosted by another node.
type RemoteDevice struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Config holds the node configuration.
type Config struct {
	NodeID        string         `yaml:"node_id"`
	Listen        string         `yaml:"listen"`
	HTTPListen    string         `yaml:"http_listen"` // empty disables the HTTP gateway
	LocalDevices  []string       `yaml:"local_devices"`
	RemoteDevices []RemoteDevice `yaml:"remote_devices"`

	QueryTimeout   time.Duration `yaml:"query_timeout"`
	RPCTimeout     time.Duration `yaml:"rpc_timeout"`
	ReadingTTL     time.Duration `yaml:"reading_ttl"` // zero keeps readings forever
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	SuspectTimeout time.Duration `yaml:"suspect_timeout"`

	Log logging.Config `yaml:"log"`
}

// Default returns a configuration for a single node on the default port.
func Default() *Config {
	return &Config{
		NodeID:         "node1",
		Listen:         "127.0.0.1:50051",
		QueryTimeout:   3 * time.Second,
		RPCTimeout:     2 * time.Second,
		ProbeInterval:  1 * time.Second,
		SuspectTimeout: 3 * time.Second,
		Log:            logging.Default(),
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id cannot be empty"))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen cannot be empty"))
	}
	for name, d := range map[string]time.Duration{
		"query_timeout":   c.QueryTimeout,
		"rpc_timeout":     c.RPCTimeout,
		"probe_interval":  c.ProbeInterval,
		"suspect_timeout": c.SuspectTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if c.ReadingTTL < 0 {
		errs = append(errs, fmt.Errorf("reading_ttl cannot be negative, got %v", c.ReadingTTL))
	}

	seen := make(map[string]struct{}, len(c.LocalDevices)+len(c.RemoteDevices))
	check := func(id string) {
		if id == "" {
			errs = append(errs, errors.New("device id cannot be empty"))
			return
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("duplicate device id %s", id))
		}
		seen[id] = struct{}{}
	}
	for _, id := range c.LocalDevices {
		check(id)
	}
	for _, rd := range c.RemoteDevices {
		check(rd.ID)
		if rd.Addr == "" {
			errs = append(errs, fmt.Errorf("remote device %s has no address", rd.ID))
		}
	}
	return errors.Join(errs...)
}

// RemoteHosts returns the distinct addresses of remote devices, sorted.
func (c *Config) RemoteHosts() []string {
	hosts := make([]string, 0, len(c.RemoteDevices))
	for _, rd := range c.RemoteDevices {
		hosts = append(hosts, rd.Addr)
	}
	slices.Sort(hosts)
	return slices.Compact(hosts)
}

// ParseRemoteDevices parses a comma-separated list of remote devices in the format:
// "id1=addr1,id2=addr2,id3=addr3"
func ParseRemoteDevices(s string) ([]RemoteDevice, error) {
	if s == "" {
		return []RemoteDevice{}, nil
	}

	parts := strings.Split(s, ",")
	devices := make([]RemoteDevice, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid remote device format: %s (expected id=addr)", part)
		}

		id := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])

		if id == "" || addr == "" {
			return nil, fmt.Errorf("device ID and address cannot be empty: %s", part)
		}

		devices = append(devices, RemoteDevice{
			ID:   id,
			Addr: addr,
		})
	}

	return devices, nil
}

// ParseDeviceIDs splits a comma-separated list of device ids, dropping blanks.
func ParseDeviceIDs(s string) []string {
	ids := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
