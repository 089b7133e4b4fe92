// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package httpgate

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Duration wraps time.Duration so yaml configs can say "5s" or "2m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// Config is the gateway configuration snapshot. The core never re-reads
// it; a reload builds a fresh Config and republishes the route table.
type Config struct {
	Listen        string          `yaml:"listen"`
	DomainSuffix  string          `yaml:"domain_suffix"`
	LogLevel      string          `yaml:"log_level"`
	ShutdownGrace Duration        `yaml:"shutdown_grace"`
	Defaults      PolicyConfig    `yaml:"defaults"`
	Pool          PoolConfig      `yaml:"pool"`
	Admission     AdmissionConfig `yaml:"admission"`
	Breaker       BreakerConfig   `yaml:"breaker"`
	Routes        []RouteConfig   `yaml:"routes"`
}

// PolicyConfig is a per-route (or default) forwarding policy.
type PolicyConfig struct {
	Timeout        Duration `yaml:"timeout"`
	Retries        *int     `yaml:"retries"`
	MaxConcurrency int      `yaml:"max_concurrency"`
}

// PoolConfig configures the upstream connection pools.
type PoolConfig struct {
	MaxPerTarget int      `yaml:"max_per_target"`
	IdleExpiry   Duration `yaml:"idle_expiry"`
	DialTimeout  Duration `yaml:"dial_timeout"`
}

// AdmissionConfig configures the gateway-wide admission ceiling.
type AdmissionConfig struct {
	MaxInFlight int `yaml:"max_in_flight"`
}

// BreakerConfig configures the circuit tracker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	FailureWindow    Duration `yaml:"failure_window"`
	CoolDown         Duration `yaml:"cool_down"`
	MaxCoolDown      Duration `yaml:"max_cool_down"`
}

// RouteConfig is one static routing rule.
type RouteConfig struct {
	Name           string   `yaml:"name"`
	Host           string   `yaml:"host"`
	PathPrefix     string   `yaml:"path_prefix"`
	Targets        []string `yaml:"targets"`
	Timeout        Duration `yaml:"timeout"`
	Retries        *int     `yaml:"retries"`
	MaxConcurrency int      `yaml:"max_concurrency"`
}

// LoadConfig reads and validates a yaml config file, then applies
// environment overrides (LISTEN_ADDR, DOMAIN_SUFFIX, LOG_LEVEL).
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config")
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides config fields from the environment, mirroring the
// deployment descriptor's contract.
func (cfg *Config) ApplyEnv() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DOMAIN_SUFFIX"); v != "" {
		cfg.DomainSuffix = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListenAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate rejects configs the gateway could not run with.
func (cfg *Config) Validate() error {
	seen := make(map[string]struct{})
	for i, rc := range cfg.Routes {
		name := rc.routeName(i)
		if _, dup := seen[name]; dup {
			return errors.Errorf("route %q: duplicate name", name)
		}
		seen[name] = struct{}{}
		if len(rc.Targets) == 0 {
			return errors.Errorf("route %q: no targets", name)
		}
		if rc.PathPrefix != "" && !strings.HasPrefix(rc.PathPrefix, "/") {
			return errors.Errorf("route %q: path_prefix must start with /", name)
		}
		for _, addr := range rc.Targets {
			if !strings.Contains(addr, ":") {
				return errors.Errorf("route %q: target %q missing port", name, addr)
			}
		}
	}
	return nil
}

func (rc *RouteConfig) routeName(i int) string {
	if rc.Name != "" {
		return rc.Name
	}
	return fmt.Sprintf("route-%d", i)
}

// BuildRoutes converts the static rules into routes ready to publish.
func (cfg *Config) BuildRoutes() []*Route {
	routes := make([]*Route, 0, len(cfg.Routes))
	for i, rc := range cfg.Routes {
		targets := make([]*UpstreamTarget, 0, len(rc.Targets))
		for _, addr := range rc.Targets {
			targets = append(targets, &UpstreamTarget{Addr: addr})
		}
		prefix := rc.PathPrefix
		if prefix == "" {
			prefix = "/"
		}
		routes = append(routes, &Route{
			Name:       rc.routeName(i),
			Host:       rc.Host,
			PathPrefix: prefix,
			Targets:    targets,
			Policy:     cfg.policyFor(rc),
		})
	}
	return routes
}

func (cfg *Config) policyFor(rc RouteConfig) RoutePolicy {
	p := cfg.DefaultPolicy()
	if rc.Timeout > 0 {
		p.Timeout = time.Duration(rc.Timeout)
	}
	if rc.Retries != nil {
		p.Retries = *rc.Retries
	}
	if rc.MaxConcurrency > 0 {
		p.MaxConcurrency = rc.MaxConcurrency
	}
	return p
}

// DefaultPolicy is the policy applied to routes (and dynamic resolutions)
// that do not override it.
func (cfg *Config) DefaultPolicy() RoutePolicy {
	p := RoutePolicy{
		Timeout: DefaultRequestTimeout,
		Retries: DefaultRetries,
	}
	if cfg.Defaults.Timeout > 0 {
		p.Timeout = time.Duration(cfg.Defaults.Timeout)
	}
	if cfg.Defaults.Retries != nil {
		p.Retries = *cfg.Defaults.Retries
	}
	if cfg.Defaults.MaxConcurrency > 0 {
		p.MaxConcurrency = cfg.Defaults.MaxConcurrency
	}
	return p
}

// BuildTable builds a route table snapshot from the static rules plus the
// dynamic registry.
func (cfg *Config) BuildTable(registry *Registry) *Table {
	return NewTable(cfg.BuildRoutes(), cfg.DomainSuffix, registry, cfg.DefaultPolicy())
}
