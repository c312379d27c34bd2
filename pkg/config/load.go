package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psaab/flowfw/pkg/errors"
)

// Defaults applied to settings the file leaves out.
const (
	DefaultPath         = "/etc/flowfw/flowfw.yaml"
	DefaultHTTPAddr     = "127.0.0.1:9464"
	DefaultGRPCAddr     = "127.0.0.1:50151"
	DefaultDrainTimeout = 10 * time.Second
	DefaultEventBuffer  = 1000
)

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindUnavailable, "read config"), "path", path)
	}
	return Parse(data)
}

// Parse decodes YAML data and fills in defaults. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			cfg.applyDefaults()
			return &cfg, nil
		}
		return nil, errors.Wrap(err, errors.KindValidation, "parse config")
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Default == "" {
		c.Default = ActionPass
	}
	d := &c.Daemon
	if d.LogLevel == "" {
		d.LogLevel = "info"
	}
	if d.HTTPAddr == "" {
		d.HTTPAddr = DefaultHTTPAddr
	}
	if d.GRPCAddr == "" {
		d.GRPCAddr = DefaultGRPCAddr
	}
	if d.DrainTimeout == 0 {
		d.DrainTimeout = DefaultDrainTimeout
	}
	if d.EventBuffer == 0 {
		d.EventBuffer = DefaultEventBuffer
	}
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() (*Config, error) {
	data, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	var out Config
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
