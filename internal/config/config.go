// Package config loads runtime settings from defaults, an optional YAML file
// and CONDUCTOR_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/aretw0/conductor/pkg/adapters/process"
	"github.com/aretw0/conductor/pkg/plugins"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks the environment variables read by Load.
const EnvPrefix = "CONDUCTOR_"

type Config struct {
	Log       LogConfig               `koanf:"log"`
	Catalog   CatalogConfig           `koanf:"catalog"`
	Sessions  SessionsConfig          `koanf:"sessions"`
	Server    ServerConfig            `koanf:"server"`
	Plugins   []plugins.Spec          `koanf:"plugins"`
	Processes []process.ProcessConfig `koanf:"processes"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text, json
}

type CatalogConfig struct {
	Paths []string `koanf:"paths"`
	Root  string   `koanf:"root"`
	Watch bool     `koanf:"watch"`
}

type SessionsConfig struct {
	IdleTimeout   time.Duration `koanf:"idle_timeout"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	DeferredStart bool          `koanf:"deferred_start"`
	MaxInputSize  int           `koanf:"max_input_size"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

// Load reads the configuration. path may be empty.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("catalog.paths", []string{"."})
	k.Set("catalog.root", "catalog.yaml")
	k.Set("catalog.watch", false)
	k.Set("sessions.idle_timeout", "30m")
	k.Set("sessions.sweep_interval", "1m")
	k.Set("sessions.deferred_start", false)
	k.Set("sessions.max_input_size", 4096)
	k.Set("server.addr", ":8080")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// CONDUCTOR_SESSIONS_IDLE_TIMEOUT -> sessions.idle_timeout. The first
	// underscore after the prefix separates the section from the key.
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		key = strings.Replace(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "_", ".", 1)
		if key == "catalog.paths" {
			return key, splitList(value)
		}
		return key, value
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
