package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the finance service
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Billing       BillingConfig
	Security      SecurityConfig
	Monitoring    MonitoringConfig
	Finance       FinanceConfig
	Accounting    AccountingConfig
	Orchestrator  OrchestratorConfig
	Notifications NotificationsConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration. An empty Host keeps all
// finance state in memory.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Enabled reports whether a Postgres backend is configured.
func (c DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// RedisConfig holds Redis configuration. An empty Host disables worker
// leases and falls back to in-memory webhook deduplication.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

// BillingConfig holds payment provider configuration
type BillingConfig struct {
	StripeWebhookSecret string
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	AdminAPIToken string
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	MetricsPath string
	LogLevel    string
}

// FinanceConfig selects the active strategies and their worker settings.
type FinanceConfig struct {
	Strategies []string
	ReplicaID  string
	// LeaseTTL must outlast every worker interval or the lease lapses
	// between cycles and leadership moves.
	LeaseTTL time.Duration
	// SyncInterval is how often a replica folds in tenants written by
	// other replicas.
	SyncInterval time.Duration
	PrePaid      PrePaidConfig
	PostPaid     PostPaidConfig
	PlanTimeout  time.Duration
}

// PrePaidConfig configures the prepaid strategy.
type PrePaidConfig struct {
	PlanName          string
	RulesFile         string
	DeductionInterval time.Duration
}

// PostPaidConfig configures the postpaid strategy.
type PostPaidConfig struct {
	PlanName        string
	RulesFile       string
	BillingInterval time.Duration
	InvoiceWait     time.Duration
}

// AccountingConfig points at the usage source.
type AccountingConfig struct {
	URL             string
	Token           string
	LocalProviderID string
	Timeout         time.Duration
	MaxRetries      int
}

// OrchestratorConfig points at the resource allocation service.
type OrchestratorConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// NotificationsConfig configures outbound finance event webhooks.
type NotificationsConfig struct {
	WebhookURL    string
	WebhookSecret string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", "30s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", ""),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "finance"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "finance"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Billing: BillingConfig{
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		},
		Security: SecurityConfig{
			AdminAPIToken: getEnv("ADMIN_API_TOKEN", ""),
		},
		Monitoring: MonitoringConfig{
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Finance: FinanceConfig{
			Strategies:   getEnvAsList("FINANCE_STRATEGIES", "prepaid,postpaid"),
			ReplicaID:    getEnv("FINANCE_REPLICA_ID", hostname),
			LeaseTTL:     getEnvAsDuration("FINANCE_LEASE_TTL", "10m"),
			SyncInterval: getEnvAsDuration("FINANCE_SYNC_INTERVAL", "30s"),
			PlanTimeout:  getEnvAsDuration("FINANCE_PLAN_TIMEOUT", "10s"),
			PrePaid: PrePaidConfig{
				PlanName:          getEnv("PREPAID_PLAN_NAME", "prepaid"),
				RulesFile:         getEnv("PREPAID_PLAN_RULES_FILE", ""),
				DeductionInterval: getEnvAsDuration("PREPAID_DEDUCTION_INTERVAL", "1m"),
			},
			PostPaid: PostPaidConfig{
				PlanName:        getEnv("POSTPAID_PLAN_NAME", "postpaid"),
				RulesFile:       getEnv("POSTPAID_PLAN_RULES_FILE", ""),
				BillingInterval: getEnvAsDuration("POSTPAID_BILLING_INTERVAL", "720h"),
				InvoiceWait:     getEnvAsDuration("POSTPAID_INVOICE_WAIT_TIME", "5m"),
			},
		},
		Accounting: AccountingConfig{
			URL:             getEnv("ACCOUNTING_URL", ""),
			Token:           getEnv("ACCOUNTING_TOKEN", ""),
			LocalProviderID: getEnv("LOCAL_PROVIDER_ID", ""),
			Timeout:         getEnvAsDuration("ACCOUNTING_TIMEOUT", "30s"),
			MaxRetries:      getEnvAsInt("ACCOUNTING_MAX_RETRIES", 2),
		},
		Orchestrator: OrchestratorConfig{
			URL:     getEnv("ORCHESTRATOR_URL", ""),
			Token:   getEnv("ORCHESTRATOR_TOKEN", ""),
			Timeout: getEnvAsDuration("ORCHESTRATOR_TIMEOUT", "30s"),
		},
		Notifications: NotificationsConfig{
			WebhookURL:    getEnv("NOTIFY_WEBHOOK_URL", ""),
			WebhookSecret: getEnv("NOTIFY_WEBHOOK_SECRET", ""),
		},
	}

	// Validate required fields
	if cfg.Database.Enabled() && cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required when DB_HOST is set")
	}

	if cfg.Security.AdminAPIToken == "" {
		return nil, fmt.Errorf("ADMIN_API_TOKEN is required")
	}

	if cfg.Accounting.URL == "" {
		return nil, fmt.Errorf("ACCOUNTING_URL is required")
	}

	if cfg.Orchestrator.URL == "" {
		return nil, fmt.Errorf("ORCHESTRATOR_URL is required")
	}

	if len(cfg.Finance.Strategies) == 0 {
		return nil, fmt.Errorf("FINANCE_STRATEGIES must name at least one strategy")
	}

	if cfg.Redis.Enabled() {
		longest := cfg.Finance.PrePaid.DeductionInterval
		if cfg.Finance.PostPaid.InvoiceWait > longest {
			longest = cfg.Finance.PostPaid.InvoiceWait
		}
		if cfg.Finance.LeaseTTL <= longest {
			return nil, fmt.Errorf("FINANCE_LEASE_TTL (%s) must be longer than the longest worker interval (%s)",
				cfg.Finance.LeaseTTL, longest)
		}
	}

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}

func getEnvAsList(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
