package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CommandConfig binds a handler id to an external command.
type CommandConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args"`
	Environment map[string]string `yaml:"env" json:"env"`
	Description string            `yaml:"description" json:"description"`
	// Timeout bounds one execution, e.g. "30s". Empty means no bound beyond the
	// token's context.
	Timeout string `yaml:"timeout" json:"timeout"`
}

func (c CommandConfig) timeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Timeout)
}

// ConfigFile represents the structure of handlers.yaml.
type ConfigFile struct {
	Handlers []CommandConfig `yaml:"handlers" json:"handlers"`
}

// LoadCommands reads a configuration file (YAML or JSON) and returns the commands by
// handler id. A missing file yields no commands.
func LoadCommands(path string) (map[string]CommandConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]CommandConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read handlers config: %w", err)
	}

	var cfg ConfigFile
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}

	commands := make(map[string]CommandConfig)
	for _, c := range cfg.Handlers {
		if c.Name == "" {
			continue
		}
		if c.Command == "" {
			return nil, fmt.Errorf("handler %q: command is required", c.Name)
		}
		if _, err := c.timeout(); err != nil {
			return nil, fmt.Errorf("handler %q: timeout: %w", c.Name, err)
		}
		commands[c.Name] = c
	}
	return commands, nil
}
