package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/saferemediate/lpe/internal/analysis"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Neo4j     Neo4jConfig     `yaml:"neo4j"`
	AWS       AWSConfig       `yaml:"aws"`
	Auth      AuthConfig      `yaml:"auth"`
	Collector CollectorConfig `yaml:"collector"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	// Engine carries every weight, threshold, and port table the decision
	// pipeline consumes, so tuning needs a config change, not a code change.
	Engine analysis.Config `yaml:"engine"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type AWSConfig struct {
	Region          string `yaml:"region"`
	AssumeRoleARN   string `yaml:"assume_role_arn"`
	ExternalID      string `yaml:"external_id"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	AccessTokenExpiry  time.Duration `yaml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `yaml:"refresh_token_expiry"`
}

type CollectorConfig struct {
	// UsageWindow bounds the CloudTrail lookback for used-action counts.
	UsageWindow    time.Duration `yaml:"usage_window"`
	LookupPageSize int           `yaml:"lookup_page_size"`
	RefreshCron    string        `yaml:"refresh_cron"`
}

type WorkflowConfig struct {
	CanaryStages        []int         `yaml:"canary_stages"`
	ApprovalTTL         time.Duration `yaml:"approval_ttl"`
	MaxHealthFailures   int           `yaml:"max_health_failures"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {

		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Neo4j.URI == "" {
		c.Neo4j.URI = "bolt://localhost:7687"
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"

		fmt.Println("WARNING: Using default JWT secret. Set auth.jwt_secret in production!")
	}
	if c.Auth.AccessTokenExpiry == 0 {
		c.Auth.AccessTokenExpiry = 15 * time.Minute
	}
	if c.Auth.RefreshTokenExpiry == 0 {
		c.Auth.RefreshTokenExpiry = 7 * 24 * time.Hour
	}

	if c.Collector.UsageWindow == 0 {
		c.Collector.UsageWindow = 30 * 24 * time.Hour
	}
	if c.Collector.LookupPageSize == 0 {
		c.Collector.LookupPageSize = 50
	}
	if c.Collector.RefreshCron == "" {
		c.Collector.RefreshCron = "0 */6 * * *"
	}

	if len(c.Workflow.CanaryStages) == 0 {
		c.Workflow.CanaryStages = []int{10, 25, 50, 100}
	}
	if c.Workflow.ApprovalTTL == 0 {
		c.Workflow.ApprovalTTL = 24 * time.Hour
	}
	if c.Workflow.MaxHealthFailures == 0 {
		c.Workflow.MaxHealthFailures = 2
	}
	if c.Workflow.HealthCheckInterval == 0 {
		c.Workflow.HealthCheckInterval = 30 * time.Second
	}

	def := analysis.DefaultConfig()
	if c.Engine.RiskFlags.SensitivePorts == nil {
		c.Engine.RiskFlags = def.RiskFlags
	}
	if c.Engine.Confidence.GlobalHighRatio == 0 {
		c.Engine.Confidence = def.Confidence
	}
	if c.Engine.BlastRadius.NeighborThresholds == nil {
		c.Engine.BlastRadius = def.BlastRadius
	}
	if c.Engine.Ranker.ClassWeights == nil {
		c.Engine.Ranker = def.Ranker
	}
	if c.Engine.Safety.AutoThreshold == 0 {
		c.Engine.Safety = def.Safety
	}
	if c.Engine.TopN == 0 {
		c.Engine.TopN = def.TopN
	}
}
