package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the static parameters of the transmitter.
type Config struct {
	Listen      string          `yaml:"listen"`       // host:port the dashboard connects to
	MetricsAddr string          `yaml:"metrics_addr"` // empty disables the Prometheus endpoint
	Database    string          `yaml:"database"`     // empty disables the transmission log
	Trigger     TriggerConfig   `yaml:"trigger"`
	Artifacts   ArtifactsConfig `yaml:"artifacts"`
}

// TriggerConfig selects the control channel. Redis is used when RedisAddr is set.
type TriggerConfig struct {
	FIFO         string `yaml:"fifo"`
	CreateFIFO   bool   `yaml:"create_fifo"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
}

// ArtifactsConfig locates the files the imaging pipeline writes.
type ArtifactsConfig struct {
	Preprocessed string `yaml:"preprocessed"`
	Processed    string `yaml:"processed"`
	Scores       string `yaml:"scores"`
}

// Default returns the configuration the demo rig runs with.
func Default() Config {
	return Config{
		Listen: "0.0.0.0:2663",
		Trigger: TriggerConfig{
			FIFO:         "/tmp/cpp_to_py_fifo",
			RedisChannel: "dashlink:trigger",
		},
		Artifacts: ArtifactsConfig{
			Preprocessed: "./data/step_1.jpg",
			Processed:    "./data/step_8.jpg",
			Scores:       "./data/softmax_results.csv",
		},
	}
}

// Load reads a YAML file on top of the defaults. Unknown keys are rejected
// so a typo doesn't silently fall back to a default path.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration can start a server.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("invalid metrics address %q: %w", c.MetricsAddr, err)
		}
	}
	if c.Trigger.RedisAddr == "" && c.Trigger.FIFO == "" {
		return errors.New("no trigger channel: set a fifo path or a redis address")
	}
	if c.Trigger.RedisAddr != "" && c.Trigger.RedisChannel == "" {
		return errors.New("redis trigger requires a channel name")
	}
	if c.Artifacts.Preprocessed == "" || c.Artifacts.Processed == "" || c.Artifacts.Scores == "" {
		return errors.New("all three artifact paths are required")
	}
	return nil
}
