package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Events   EventsConfig   `yaml:"events"`
	Budget   BudgetConfig   `yaml:"budget"`
	Approval ApprovalConfig `yaml:"approval"`
	Learner  LearnerConfig  `yaml:"learner"`
	Gateway  GatewayConfig  `yaml:"gateway"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	// DSN for the postgres chain/ledger store. Empty means in-memory stores.
	PostgresDSN string `yaml:"postgres_dsn"`
}

type RedisConfig struct {
	// Addr for the precedent cache distribution store. Empty means in-memory.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EventsConfig struct {
	// Pub/Sub publishing is optional; the in-memory bus always runs.
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type BudgetConfig struct {
	WarnThreshold   float64 `yaml:"warn_threshold"`   // default 0.80
	NotifyThreshold float64 `yaml:"notify_threshold"` // default 0.95
}

type ApprovalConfig struct {
	DefaultDeadline time.Duration `yaml:"default_deadline"` // default 24h
	VetoWindow      time.Duration `yaml:"veto_window"`      // default 24h
}

type LearnerConfig struct {
	// Policy constants. Validate refuses values weaker than the floor:
	// fewer than 3 samples or confidence below 0.9.
	MinSeedApprovals   int     `yaml:"min_seed_approvals"`
	MinSeedConfidence  float64 `yaml:"min_seed_confidence"`
	LookbackDays       int     `yaml:"lookback_days"`
	FalsePositiveLimit int     `yaml:"false_positive_limit"`
}

type GatewayConfig struct {
	MaxCallsPerMinute int `yaml:"max_calls_per_minute"`
	GoalWorkers       int `yaml:"goal_workers"`
	StepWorkers       int `yaml:"step_workers"`
}

// Floor values for the learner policy constants.
const (
	MinSeedApprovalsFloor  = 3
	MinSeedConfidenceFloor = 0.9
)

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "dev"
	}
	if c.Budget.WarnThreshold == 0 {
		c.Budget.WarnThreshold = 0.80
	}
	if c.Budget.NotifyThreshold == 0 {
		c.Budget.NotifyThreshold = 0.95
	}
	if c.Approval.DefaultDeadline == 0 {
		c.Approval.DefaultDeadline = 24 * time.Hour
	}
	if c.Approval.VetoWindow == 0 {
		c.Approval.VetoWindow = 24 * time.Hour
	}
	if c.Learner.MinSeedApprovals == 0 {
		c.Learner.MinSeedApprovals = MinSeedApprovalsFloor
	}
	if c.Learner.MinSeedConfidence == 0 {
		c.Learner.MinSeedConfidence = MinSeedConfidenceFloor
	}
	if c.Learner.LookbackDays == 0 {
		c.Learner.LookbackDays = 14
	}
	if c.Learner.FalsePositiveLimit == 0 {
		c.Learner.FalsePositiveLimit = 3
	}
	if c.Gateway.MaxCallsPerMinute == 0 {
		c.Gateway.MaxCallsPerMinute = 120
	}
	if c.Gateway.GoalWorkers == 0 {
		c.Gateway.GoalWorkers = 8
	}
	if c.Gateway.StepWorkers == 0 {
		c.Gateway.StepWorkers = 4
	}
}

// Validate rejects configurations that weaken the governance floor.
func (c *Config) Validate() error {
	if c.Learner.MinSeedApprovals < MinSeedApprovalsFloor {
		return fmt.Errorf("learner.min_seed_approvals %d below floor %d",
			c.Learner.MinSeedApprovals, MinSeedApprovalsFloor)
	}
	if c.Learner.MinSeedConfidence < MinSeedConfidenceFloor {
		return fmt.Errorf("learner.min_seed_confidence %.2f below floor %.2f",
			c.Learner.MinSeedConfidence, MinSeedConfidenceFloor)
	}
	if c.Budget.WarnThreshold >= c.Budget.NotifyThreshold {
		return fmt.Errorf("budget.warn_threshold %.2f must be below notify_threshold %.2f",
			c.Budget.WarnThreshold, c.Budget.NotifyThreshold)
	}
	return nil
}

// LoadConfig reads a YAML config file, applies defaults and env overrides,
// and validates the result.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, err
		}
	}

	// Env overrides for deployment-specific values
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Database.PostgresDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PUBSUB_PROJECT"); v != "" {
		cfg.Events.PubSubProject = v
	}
	if v := os.Getenv("PUBSUB_TOPIC"); v != "" {
		cfg.Events.PubSubTopic = v
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
