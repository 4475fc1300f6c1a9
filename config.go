package fireview

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine and backend configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

type EngineConfig struct {
	// QueueSize bounds the pending events of each target.
	QueueSize int `yaml:"queue_size"`
	// LimboTimeout is how long an unconfirmed document waits before it is dropped.
	LimboTimeout time.Duration `yaml:"limbo_timeout"`
	// GCInterval runs garbage collection and limbo expiry periodically; zero disables it.
	GCInterval         time.Duration `yaml:"gc_interval"`
	MaxInactiveTargets int           `yaml:"max_inactive_targets"`
	MaxIdle            time.Duration `yaml:"max_idle"`
	// WriteRetryDelay spaces retries of writes that failed in transport; zero disables them.
	WriteRetryDelay time.Duration `yaml:"write_retry_delay"`
}

type FirestoreConfig struct {
	ProjectID    string `yaml:"project_id"`
	DatabaseID   string `yaml:"database_id"`
	EmulatorHost string `yaml:"emulator_host"`
}

func (c EngineConfig) GCPolicy() GCPolicy {
	return GCPolicy{MaxInactive: c.MaxInactiveTargets, MaxIdle: c.MaxIdle}
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			QueueSize:          256,
			LimboTimeout:       30 * time.Second,
			GCInterval:         time.Minute,
			MaxInactiveTargets: 100,
			MaxIdle:            30 * time.Minute,
			WriteRetryDelay:    250 * time.Millisecond,
		},
		Firestore: FirestoreConfig{
			DatabaseID: "(default)",
		},
	}
}

// LoadConfig starts from the defaults, applies the YAML file at path when it
// exists and then the environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("FIRESTORE_PROJECT_ID"); v != "" {
		c.Firestore.ProjectID = v
	}
	if v := os.Getenv("FIRESTORE_DATABASE_ID"); v != "" {
		c.Firestore.DatabaseID = v
	}
	if v := os.Getenv("FIRESTORE_EMULATOR_HOST"); v != "" {
		c.Firestore.EmulatorHost = v
	}
	if v := os.Getenv("FIREVIEW_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FIREVIEW_QUEUE_SIZE %q: %w", v, err)
		}
		c.Engine.QueueSize = n
	}
	if v := os.Getenv("FIREVIEW_MAX_INACTIVE_TARGETS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FIREVIEW_MAX_INACTIVE_TARGETS %q: %w", v, err)
		}
		c.Engine.MaxInactiveTargets = n
	}
	durations := map[string]*time.Duration{
		"FIREVIEW_LIMBO_TIMEOUT":     &c.Engine.LimboTimeout,
		"FIREVIEW_GC_INTERVAL":       &c.Engine.GCInterval,
		"FIREVIEW_MAX_IDLE":          &c.Engine.MaxIdle,
		"FIREVIEW_WRITE_RETRY_DELAY": &c.Engine.WriteRetryDelay,
	}
	for name, dst := range durations {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		*dst = d
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be positive, got %d", c.Engine.QueueSize)
	}
	if c.Engine.LimboTimeout < 0 || c.Engine.GCInterval < 0 || c.Engine.MaxIdle < 0 || c.Engine.WriteRetryDelay < 0 {
		return fmt.Errorf("engine durations must not be negative")
	}
	return nil
}
