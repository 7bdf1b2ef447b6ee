// Package config loads the benchd server configuration from a YAML file.
// Everything has a default; a missing file means an all-defaults server,
// which is what the smoke tests and single-host setups want.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Addr is the listen address for the api and admin endpoints.
	Addr string `yaml:"addr"`

	// DataDir holds the journal, captured logs and harvested results.
	DataDir string `yaml:"dataDir"`

	// Transport picks how machines are reached: "ssh" or "local".
	Transport string `yaml:"transport"`

	SSH SSHConfig `yaml:"ssh"`

	// ScheduleIntervalMs is the scheduler loop period.
	ScheduleIntervalMs int `yaml:"scheduleIntervalMs"`

	// HealthIntervalMs enables idle-machine probing when > 0.
	HealthIntervalMs   int     `yaml:"healthIntervalMs"`
	HealthChecksPerSec float64 `yaml:"healthChecksPerSec"`

	// CacheBytes bounds the in-memory cache over terminal job output.
	CacheBytes int64 `yaml:"cacheBytes"`

	LogLevel string `yaml:"logLevel"`
}

type SSHConfig struct {
	User    string `yaml:"user"`
	KeyFile string `yaml:"keyFile"`
	Port    int    `yaml:"port"`
}

func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Addr:               "localhost:9010",
		DataDir:            home + "/.benchd",
		Transport:          "ssh",
		SSH:                SSHConfig{User: os.Getenv("USER"), KeyFile: home + "/.ssh/id_rsa", Port: 22},
		ScheduleIntervalMs: 250,
		HealthIntervalMs:   0,
		HealthChecksPerSec: 1,
		CacheBytes:         64 * 1024 * 1024,
		LogLevel:           "info",
	}
}

// Load reads path over the defaults. An empty path or a missing file yields
// the defaults; a present but malformed file is an error.
func Load(path string) (Config, error) {
	conf := Default()
	if path == "" {
		return conf, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return conf, nil
	}
	if err != nil {
		return conf, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, errors.Wrapf(err, "parsing config %s", path)
	}
	return conf, nil
}

func (c Config) ScheduleInterval() time.Duration {
	return time.Duration(c.ScheduleIntervalMs) * time.Millisecond
}

func (c Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalMs) * time.Millisecond
}
