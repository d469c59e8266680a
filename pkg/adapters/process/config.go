package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProcessConfig represents the configuration for an external command.
type ProcessConfig struct {
	Name        string            `yaml:"name" json:"name" koanf:"name"`
	Command     string            `yaml:"command" json:"command" koanf:"command"`
	Args        []string          `yaml:"args" json:"args" koanf:"args"`
	Environment map[string]string `yaml:"env" json:"env" koanf:"env"`
	Description string            `yaml:"description" json:"description" koanf:"description"`
}

// ConfigFile represents the structure of a processes file.
type ConfigFile struct {
	Processes []ProcessConfig `yaml:"processes" json:"processes"`
}

// LoadFile reads a processes file (YAML or JSON). A missing file yields no processes.
func LoadFile(path string) ([]ProcessConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read processes config: %w", err)
	}

	var cfg ConfigFile
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	out := cfg.Processes[:0]
	for _, p := range cfg.Processes {
		if p.Name != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
