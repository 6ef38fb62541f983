// Package config loads the service configuration: a YAML file for the
// structured settings, a .env file for local development, and
// environment variables overriding the secrets.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/KBT0207/tally-project-sub000/model"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Sync      SyncConfig      `yaml:"sync"`
	Server    ServerConfig    `yaml:"server"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	LogLevel  string          `yaml:"log_level"`
	Companies []model.Company `yaml:"companies"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
}

// DSN renders the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode, d.MaxConns)
}

type UpstreamConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	TemplateDir       string `yaml:"template_dir"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_seconds"`
	ReadTimeoutSec    int    `yaml:"read_timeout_seconds"`
	MaxRetries        int    `yaml:"max_retries"`
	MaxConnections    int    `yaml:"max_connections"`
}

func (u UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(u.ConnectTimeoutSec) * time.Second
}

func (u UpstreamConfig) ReadTimeout() time.Duration {
	return time.Duration(u.ReadTimeoutSec) * time.Second
}

// Endpoint returns the URL for a company, honoring its per-tenant
// host/port override.
func (u UpstreamConfig) Endpoint(c model.Company) string {
	host, port := u.Host, u.Port
	if c.UpstreamHost != "" {
		host = c.UpstreamHost
	}
	if c.UpstreamPort != 0 {
		port = c.UpstreamPort
	}
	return fmt.Sprintf("http://%s:%d/", host, port)
}

type SyncConfig struct {
	ChunkMonths         int       `yaml:"chunk_months"`
	Workers             int       `yaml:"workers"`
	DefaultFrom         time.Time `yaml:"default_from"`
	OtherChargePatterns []string  `yaml:"other_charge_patterns"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Load reads the YAML file at path, merges .env and environment
// overrides, applies defaults and validates.
func Load(path string) (*Config, error) {
	// Missing .env is fine outside development.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Database.Port = p
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("TALLY_HOST"); v != "" {
		c.Upstream.Host = v
	}
	if v := os.Getenv("TALLY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Upstream.Port = p
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Upstream.Port == 0 {
		c.Upstream.Port = 9000
	}
	if c.Upstream.TemplateDir == "" {
		c.Upstream.TemplateDir = "templates"
	}
	if c.Upstream.ConnectTimeoutSec == 0 {
		c.Upstream.ConnectTimeoutSec = 60
	}
	if c.Upstream.ReadTimeoutSec == 0 {
		c.Upstream.ReadTimeoutSec = 1800
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = 3
	}
	if c.Upstream.MaxConnections == 0 {
		c.Upstream.MaxConnections = 16
	}
	if c.Sync.ChunkMonths == 0 {
		c.Sync.ChunkMonths = 3
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 8
	}
	if c.Sync.DefaultFrom.IsZero() {
		c.Sync.DefaultFrom = time.Date(2021, 4, 1, 0, 0, 0, 0, time.UTC)
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8085"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "tally-sync-progress"
	}
}

func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if c.Upstream.Host == "" {
		return fmt.Errorf("upstream.host is required")
	}
	if c.Sync.ChunkMonths < 1 || c.Sync.ChunkMonths > 12 {
		return fmt.Errorf("sync.chunk_months must be between 1 and 12, got %d", c.Sync.ChunkMonths)
	}
	if c.Sync.Workers < 1 || c.Sync.Workers > 64 {
		return fmt.Errorf("sync.workers must be between 1 and 64, got %d", c.Sync.Workers)
	}
	for _, p := range c.Sync.OtherChargePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("sync.other_charge_patterns %q: %w", p, err)
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	seen := make(map[string]bool, len(c.Companies))
	for _, co := range c.Companies {
		if co.Name == "" {
			return fmt.Errorf("every company needs a name")
		}
		if seen[co.Name] {
			return fmt.Errorf("duplicate company %q", co.Name)
		}
		seen[co.Name] = true
	}
	return nil
}

// Company looks up a configured company by name.
func (c *Config) Company(name string) (model.Company, bool) {
	for _, co := range c.Companies {
		if co.Name == name {
			return co, true
		}
	}
	return model.Company{}, false
}
