package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a complete multiplot batch file.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Workers int           `yaml:"workers"`
	Runner  RunnerConfig  `yaml:"runner"`
	History HistoryConfig `yaml:"history"`
	Jobs    JobsConfig    `yaml:"jobs"`

	// Populated by Load.
	SourcePath string `yaml:"-"`
	SourceHash string `yaml:"-"`
}

// ServiceConfig defines logging settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// RunnerConfig describes the renderer executable invoked once per job.
type RunnerConfig struct {
	Entrypoint   string            `yaml:"entrypoint"`
	Args         []string          `yaml:"args,omitempty"` // prepended to every job's argv
	Mode         string            `yaml:"mode"`           // args | protocol
	Timeout      time.Duration     `yaml:"timeout"`
	Grace        time.Duration     `yaml:"grace,omitempty"`
	Dir          string            `yaml:"dir,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	DefaultsFlag string            `yaml:"defaults_flag"`
}

// HistoryConfig defines where batch outcomes are recorded.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// JobsConfig holds the raw job inputs. Each field may be a single value, a
// sequence, or null; Batch.Slots resolves them into explicit lists.
type JobsConfig struct {
	Configs yaml.Node `yaml:"configs"`
	Args    yaml.Node `yaml:"args"`
}

// Defaults returns a Config with default settings.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "multiplot",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Workers: 1,
		Runner: RunnerConfig{
			Mode:         "args",
			Timeout:      30 * time.Minute,
			Grace:        5 * time.Second,
			DefaultsFlag: "--json-defaults",
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    "./data/history.db",
		},
	}
}
