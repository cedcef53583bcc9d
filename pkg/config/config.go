// Package config loads the server configuration from YAML with
// environment-variable fallbacks for deploy-time secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds the config file read.
const maxConfigSize = 1 << 20

// Config represents the application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
	Store         StoreConfig         `yaml:"store"`
	Content       ContentConfig       `yaml:"content"`
	Experiment    ExperimentConfig    `yaml:"experiment"`
	Janitor       JanitorConfig       `yaml:"janitor"`
}

// ServerConfig holds the WebSocket/HTTP listener configuration.
type ServerConfig struct {
	ListenAddr   string  `yaml:"listen_addr"`
	MessageRate  float64 `yaml:"message_rate"`  // per-connection msgs/sec, 0 = unlimited
	MessageBurst int     `yaml:"message_burst"`
}

// ObservabilityConfig holds the metrics/health sidecar configuration.
type ObservabilityConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// StoreConfig selects and configures the document-store backend.
type StoreConfig struct {
	Provider  string          `yaml:"provider"` // memory, redis, firestore
	Redis     RedisConfig     `yaml:"redis"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

// RedisConfig holds Redis backend configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

// FirestoreConfig holds Firestore backend configuration.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// ContentConfig locates the per-variant trial content.
type ContentConfig struct {
	Dir      string   `yaml:"dir"`
	Variants []string `yaml:"variants"`
}

// ExperimentConfig holds the behavioral parameters of the experiment.
type ExperimentConfig struct {
	WaitingSeconds int `yaml:"waiting_seconds"`
	PhaseSeconds   int `yaml:"phase_seconds"`
	ChatSeconds    int `yaml:"chat_seconds"`
	GroupSize      int `yaml:"group_size"`
	WagerMin       int `yaml:"wager_min"`
	WagerMax       int `yaml:"wager_max"`
	WagerDefault   int `yaml:"wager_default"`
}

// JanitorConfig holds the stale-cohort sweeper configuration.
type JanitorConfig struct {
	Schedule string `yaml:"schedule"`
}

// WaitingDuration returns the cohort pooling window.
func (e ExperimentConfig) WaitingDuration() time.Duration {
	return time.Duration(e.WaitingSeconds) * time.Second
}

// PhaseDuration returns the standard phase length.
func (e ExperimentConfig) PhaseDuration() time.Duration {
	return time.Duration(e.PhaseSeconds) * time.Second
}

// ChatDuration returns the deliberation chat length.
func (e ExperimentConfig) ChatDuration() time.Duration {
	return time.Duration(e.ChatSeconds) * time.Second
}

// LoadConfig loads configuration from a YAML file. An empty path
// yields defaults plus environment fallbacks.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if info.Size() > maxConfigSize {
			return nil, fmt.Errorf("config file too large: %d bytes", info.Size())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.MessageRate == 0 {
		cfg.Server.MessageRate = 20
	}
	if cfg.Server.MessageBurst == 0 {
		cfg.Server.MessageBurst = 40
	}
	if cfg.Observability.Port == 0 {
		cfg.Observability.Port = 9090
	}
	if cfg.Store.Provider == "" {
		cfg.Store.Provider = "memory"
	}
	if cfg.Content.Dir == "" {
		cfg.Content.Dir = "./content"
	}
	if len(cfg.Content.Variants) == 0 {
		cfg.Content.Variants = []string{"baseline"}
	}
	if cfg.Experiment.WaitingSeconds == 0 {
		cfg.Experiment.WaitingSeconds = 30
	}
	if cfg.Experiment.PhaseSeconds == 0 {
		cfg.Experiment.PhaseSeconds = 15
	}
	if cfg.Experiment.ChatSeconds == 0 {
		cfg.Experiment.ChatSeconds = 30
	}
	if cfg.Experiment.GroupSize == 0 {
		cfg.Experiment.GroupSize = 3
	}
	if cfg.Experiment.WagerMax == 0 {
		cfg.Experiment.WagerMax = 4
	}
	if cfg.Experiment.WagerDefault == 0 {
		cfg.Experiment.WagerDefault = 2
	}
	if cfg.Janitor.Schedule == "" {
		cfg.Janitor.Schedule = "@every 15s"
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FIGHTCAST_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("FIGHTCAST_STORE_PROVIDER"); v != "" {
		cfg.Store.Provider = v
	}
	if v := os.Getenv("FIGHTCAST_CONTENT_DIR"); v != "" {
		cfg.Content.Dir = v
	}
	if cfg.Store.Redis.Addr == "" {
		cfg.Store.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if cfg.Store.Redis.Password == "" {
		cfg.Store.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
	if cfg.Store.Firestore.ProjectID == "" {
		cfg.Store.Firestore.ProjectID = os.Getenv("GCP_PROJECT")
	}
	if cfg.Store.Firestore.CredentialsFile == "" {
		cfg.Store.Firestore.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Provider {
	case "memory", "redis", "firestore":
	default:
		return fmt.Errorf("unknown store provider %q", c.Store.Provider)
	}
	if c.Store.Provider == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("redis provider requires store.redis.addr")
	}
	if c.Store.Provider == "firestore" && c.Store.Firestore.ProjectID == "" {
		return fmt.Errorf("firestore provider requires store.firestore.project_id")
	}
	if len(c.Content.Variants) == 0 {
		return fmt.Errorf("at least one content variant must be configured")
	}
	if c.Experiment.GroupSize < 1 {
		return fmt.Errorf("experiment.group_size must be at least 1")
	}
	if c.Experiment.WagerMax <= c.Experiment.WagerMin {
		return fmt.Errorf("experiment.wager_max must exceed wager_min")
	}
	if c.Experiment.WagerDefault < c.Experiment.WagerMin || c.Experiment.WagerDefault > c.Experiment.WagerMax {
		return fmt.Errorf("experiment.wager_default must be within the wager range")
	}
	return nil
}
