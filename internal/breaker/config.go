package breaker

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes the per-provider circuits. All circuits share one config.
type Config struct {
	// FailureThreshold is the number of failures inside Window that trips
	// the circuit open.
	FailureThreshold int `yaml:"failure_threshold"`
	// Window bounds how long a failure stays relevant.
	Window time.Duration `yaml:"window"`
	// Cooldown is how long an open circuit rejects calls before admitting
	// a half-open probe.
	Cooldown time.Duration `yaml:"cooldown"`
	// CallTimeout caps a single provider call. Zero disables the cap.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           2 * time.Minute,
		Cooldown:         30 * time.Second,
		CallTimeout:      60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.CallTimeout < 0 {
		c.CallTimeout = 0
	}
	return c
}

// LoadConfig reads a YAML breaker config. A missing path returns defaults
// so deployments without an override file work out of the box.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("breaker config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("breaker config %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}
