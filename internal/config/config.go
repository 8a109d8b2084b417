// Package config loads the supervisor configuration: one main TOML file
// plus an optional directory of per-service TOML files. Every descriptor
// problem surfaces here, before the supervision core ever runs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/initr/internal/health"
	"github.com/loykin/initr/internal/logger"
	"github.com/loykin/initr/internal/service"
)

// FileConfig represents the top-level TOML structure of initr.toml.
type FileConfig struct {
	Log struct {
		Level  string `toml:"level" mapstructure:"level"`
		Format string `toml:"format" mapstructure:"format"`
	} `toml:"log" mapstructure:"log"`

	Listen  string `toml:"listen" mapstructure:"listen"` // control API address, empty disables it
	Metrics struct {
		Enabled bool `toml:"enabled" mapstructure:"enabled"`
	} `toml:"metrics" mapstructure:"metrics"`

	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	TerminationSignals []string `toml:"termination_signals" mapstructure:"termination_signals"`
	ForwardSignals     []string `toml:"forward_signals" mapstructure:"forward_signals"`

	History struct {
		Sinks  []string `toml:"sinks" mapstructure:"sinks"` // DSNs, see history/factory
		Buffer int      `toml:"buffer" mapstructure:"buffer"`
	} `toml:"history" mapstructure:"history"`

	ServicesDir string          `toml:"services_dir" mapstructure:"services_dir"`
	Services    []ServiceConfig `toml:"services" mapstructure:"services"`
}

// ServiceConfig is the on-disk shape of one service descriptor, both for
// inline [[services]] blocks and for one-file-per-service directories.
type ServiceConfig struct {
	Name       string        `toml:"name" mapstructure:"name"`
	Command    string        `toml:"command" mapstructure:"command"`
	WorkDir    string        `toml:"workdir" mapstructure:"workdir"`
	Env        []string      `toml:"env" mapstructure:"env"`
	User       string        `toml:"user" mapstructure:"user"`
	Group      string        `toml:"group" mapstructure:"group"`
	StartAfter []string      `toml:"start_after" mapstructure:"start_after"`
	StartDelay time.Duration `toml:"start_delay" mapstructure:"start_delay"`
	Restart    string        `toml:"restart" mapstructure:"restart"`
	StopSignal string        `toml:"stop_signal" mapstructure:"stop_signal"`
	StopGrace  time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`

	Backoff struct {
		Initial     time.Duration `toml:"initial" mapstructure:"initial"`
		Max         time.Duration `toml:"max" mapstructure:"max"`
		MaxAttempts int           `toml:"max_attempts" mapstructure:"max_attempts"`
		ResetAfter  time.Duration `toml:"reset_after" mapstructure:"reset_after"`
	} `toml:"backoff" mapstructure:"backoff"`

	Health *struct {
		Type       string        `toml:"type" mapstructure:"type"`
		Command    string        `toml:"command" mapstructure:"command"`
		URL        string        `toml:"url" mapstructure:"url"`
		Interval   time.Duration `toml:"interval" mapstructure:"interval"`
		Timeout    time.Duration `toml:"timeout" mapstructure:"timeout"`
		Failures   int           `toml:"failures" mapstructure:"failures"`
		Recoveries int           `toml:"recoveries" mapstructure:"recoveries"`
	} `toml:"health" mapstructure:"health"`

	Log struct {
		Output     string `toml:"output" mapstructure:"output"`
		Dir        string `toml:"dir" mapstructure:"dir"`
		Stdout     string `toml:"stdout" mapstructure:"stdout"`
		Stderr     string `toml:"stderr" mapstructure:"stderr"`
		MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
		MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
		Compress   bool   `toml:"compress" mapstructure:"compress"`
	} `toml:"log" mapstructure:"log"`
}

// Config is the fully loaded and validated supervisor configuration.
type Config struct {
	File     FileConfig
	Services []service.Spec
}

// Load reads the main config file, resolves the services directory, and
// validates every descriptor. Any error here is fatal before startup.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	specs := make([]service.Spec, 0, len(fc.Services))
	for _, sc := range fc.Services {
		spec, err := sc.toSpec("")
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if fc.ServicesDir != "" {
		dir := fc.ServicesDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(path), dir)
		}
		dirSpecs, err := LoadServicesDir(dir)
		if err != nil {
			return nil, err
		}
		specs = append(specs, dirSpecs...)
	}

	cfg := &Config{File: fc, Services: specs}
	for _, s := range cfg.Services {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadServicesDir reads every *.toml file in dir as one service each, in
// lexical filename order for determinism. A missing name defaults to the
// file's base name.
func LoadServicesDir(dir string) ([]service.Spec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read services dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	specs := make([]service.Spec, 0, len(files))
	for _, name := range files {
		full := filepath.Join(dir, name)
		v := viper.New()
		v.SetConfigFile(full)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read service file %s: %w", full, err)
		}
		var sc ServiceConfig
		if err := v.Unmarshal(&sc); err != nil {
			return nil, fmt.Errorf("parse service file %s: %w", full, err)
		}
		spec, err := sc.toSpec(strings.TrimSuffix(name, ".toml"))
		if err != nil {
			return nil, fmt.Errorf("service file %s: %w", full, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// toSpec converts the on-disk form into a service.Spec; defaultName is
// applied when the file omits name (services-directory convention).
func (sc ServiceConfig) toSpec(defaultName string) (service.Spec, error) {
	name := strings.TrimSpace(sc.Name)
	if name == "" {
		name = defaultName
	}
	spec := service.Spec{
		Name:       name,
		Command:    sc.Command,
		WorkDir:    sc.WorkDir,
		Env:        sc.Env,
		User:       sc.User,
		Group:      sc.Group,
		StartAfter: sc.StartAfter,
		StartDelay: sc.StartDelay,
		Restart:    service.RestartPolicy(sc.Restart),
		StopSignal: sc.StopSignal,
		StopGrace:  sc.StopGrace,
		Backoff: service.Backoff{
			Initial:     sc.Backoff.Initial,
			Max:         sc.Backoff.Max,
			MaxAttempts: sc.Backoff.MaxAttempts,
			ResetAfter:  sc.Backoff.ResetAfter,
		},
		Log: logger.Config{
			Output:     sc.Log.Output,
			Dir:        sc.Log.Dir,
			StdoutPath: sc.Log.Stdout,
			StderrPath: sc.Log.Stderr,
			MaxSizeMB:  sc.Log.MaxSizeMB,
			MaxBackups: sc.Log.MaxBackups,
			MaxAgeDays: sc.Log.MaxAgeDays,
			Compress:   sc.Log.Compress,
		},
	}
	if sc.Health != nil {
		spec.Health = &health.Check{
			Type:       sc.Health.Type,
			Command:    sc.Health.Command,
			URL:        sc.Health.URL,
			Interval:   sc.Health.Interval,
			Timeout:    sc.Health.Timeout,
			Failures:   sc.Health.Failures,
			Recoveries: sc.Health.Recoveries,
		}
	}
	if err := spec.Log.Validate(); err != nil {
		return service.Spec{}, fmt.Errorf("service %q: %w", name, err)
	}
	return spec, spec.Validate()
}

// GlobalEnv composes the base environment for every service.
// Precedence: OS env (when use_os_env) provides the base; then env_files
// in order; the top-level env list overrides last.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if c.File.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i > 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range c.File.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.File.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// TerminationSignals resolves the configured termination signal names,
// defaulting to SIGTERM and SIGINT.
func (c *Config) TerminationSignals() ([]os.Signal, error) {
	return parseSignalList(c.File.TerminationSignals)
}

// ForwardSignals resolves the configured forward signal names; empty
// means no forwarding.
func (c *Config) ForwardSignals() ([]os.Signal, error) {
	return parseSignalList(c.File.ForwardSignals)
}

func parseSignalList(names []string) ([]os.Signal, error) {
	out := make([]os.Signal, 0, len(names))
	for _, n := range names {
		sig, err := service.ParseSignal(n)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

// loadEnvFile reads KEY=VALUE lines; '#' starts a comment, blank lines
// are skipped.
func loadEnvFile(path string) (map[string]string, error) {
	// #nosec G304 -- path comes from the operator's own config file
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
