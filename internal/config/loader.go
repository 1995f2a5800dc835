package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up when Load is given a directory.
const DefaultFileName = "batch.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, defaults and validates the batch file at configPath.
// A directory is accepted if it contains batch.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", DefaultFileName, absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	cfg.SourceHash = HashBytes(data)

	// Relative paths are resolved against the batch file, not the working directory.
	baseDir := filepath.Dir(absPath)
	cfg.History.Path = resolvePath(baseDir, cfg.History.Path)
	if cfg.Runner.Dir != "" {
		cfg.Runner.Dir = resolvePath(baseDir, cfg.Runner.Dir)
	}
	if filepath.IsAbs(cfg.Runner.Entrypoint) || containsSeparator(cfg.Runner.Entrypoint) {
		cfg.Runner.Entrypoint = resolvePath(baseDir, cfg.Runner.Entrypoint)
	}

	return cfg, nil
}

// Parse decodes a batch file from memory, applying env interpolation,
// defaults and validation. Relative paths are left untouched.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.Runner.Mode == "" {
		cfg.Runner.Mode = defaults.Runner.Mode
	}
	if cfg.Runner.Timeout == 0 {
		cfg.Runner.Timeout = defaults.Runner.Timeout
	}
	if cfg.Runner.Grace == 0 {
		cfg.Runner.Grace = defaults.Runner.Grace
	}
	if cfg.Runner.DefaultsFlag == "" {
		cfg.Runner.DefaultsFlag = defaults.Runner.DefaultsFlag
	}
	if cfg.History.Path == "" {
		cfg.History.Path = defaults.History.Path
	}
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be at least 1 (got %d)", cfg.Workers)
	}

	if cfg.Runner.Entrypoint == "" {
		return fmt.Errorf("runner.entrypoint is required")
	}
	if err := checkUnresolved("runner.entrypoint", cfg.Runner.Entrypoint); err != nil {
		return err
	}
	for k, v := range cfg.Runner.Env {
		if err := checkUnresolved("runner.env."+k, v); err != nil {
			return err
		}
	}
	if cfg.Runner.Mode != "args" && cfg.Runner.Mode != "protocol" {
		return fmt.Errorf("runner.mode must be args or protocol (got %q)", cfg.Runner.Mode)
	}
	if cfg.Runner.Timeout < 0 {
		return fmt.Errorf("runner.timeout must be positive")
	}
	if cfg.Runner.Grace < 0 {
		return fmt.Errorf("runner.grace must be positive")
	}

	if cfg.History.Enabled && cfg.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}

	if _, _, err := cfg.Jobs.Slots(); err != nil {
		return err
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Leave the placeholder; validation reports it where it matters.
		return match
	})
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func containsSeparator(p string) bool {
	return filepath.Base(p) != p
}
