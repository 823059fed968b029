package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// BrokerCredential describes one broker account the process manages a session for.
type BrokerCredential struct {
	UserID          string `json:"userId"`
	ClientID        string `json:"clientId"`
	ClientKeyID     string `json:"clientKeyId"`
	PrivateKeyPath  string `json:"privateKeyPath"`
	AccountID       string `json:"accountId"`
	Environment     string `json:"environment"` // "paper" or "live"
	AllowedIP       string `json:"allowedIp"`
	OAuthScope      string `json:"oauthScope"`
	GatewayBaseURL  string `json:"gatewayBaseUrl"`
}

// Config holds application configuration.
type Config struct {
	// Server
	Port    int
	DevMode bool

	// Database
	DatabasePath string
	AuditDBPath  string

	// Logging
	LogLevel string

	// Broker credentials, one Session per entry.
	Brokers []BrokerCredential

	// Market data
	MarketDataFreshness int // seconds before a cached tick is considered stale

	// Scheduler
	SchedulerTimezone string

	// Trade engine
	TradeSymbols        []string // underlyings the daily entry job considers
	BracketStopMultiple float64  // native stop as a multiple of entry premium
}

// Load reads configuration from environment variables and, if BROKER_CREDENTIALS_JSON
// is set, a JSON-encoded []BrokerCredential.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnvAsInt("GO_PORT", 8001),
		DevMode:              getEnvAsBool("DEV_MODE", false),
		DatabasePath:         getEnv("DATABASE_PATH", "./data/optionsd.db"),
		AuditDBPath:          getEnv("AUDIT_DATABASE_PATH", "./data/audit.db"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		MarketDataFreshness:  getEnvAsInt("MARKET_DATA_FRESHNESS_SECONDS", 15),
		SchedulerTimezone:    getEnv("SCHEDULER_TIMEZONE", "America/New_York"),
		TradeSymbols:         getEnvAsList("TRADE_SYMBOLS", []string{"SPY"}),
		BracketStopMultiple:  getEnvAsFloat("BRACKET_STOP_MULTIPLE", 6.0),
	}

	brokers, err := loadBrokerCredentials()
	if err != nil {
		return nil, fmt.Errorf("loading broker credentials: %w", err)
	}
	cfg.Brokers = brokers

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadBrokerCredentials() ([]BrokerCredential, error) {
	raw := os.Getenv("BROKER_CREDENTIALS_JSON")
	if raw == "" {
		single := BrokerCredential{
			UserID:         getEnv("BROKER_USER_ID", "default"),
			ClientID:       getEnv("BROKER_CLIENT_ID", ""),
			ClientKeyID:    getEnv("BROKER_CLIENT_KEY_ID", ""),
			PrivateKeyPath: getEnv("BROKER_PRIVATE_KEY_PATH", ""),
			AccountID:      getEnv("BROKER_ACCOUNT_ID", ""),
			Environment:    getEnv("BROKER_ENVIRONMENT", "paper"),
			AllowedIP:      getEnv("BROKER_ALLOWED_IP", ""),
			OAuthScope:     getEnv("BROKER_OAUTH_SCOPE", ""),
			GatewayBaseURL: getEnv("BROKER_GATEWAY_BASE_URL", ""),
		}
		if single.ClientID == "" {
			return nil, nil
		}
		return []BrokerCredential{single}, nil
	}

	var creds []BrokerCredential
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("parsing BROKER_CREDENTIALS_JSON: %w", err)
	}
	return creds, nil
}

// Validate checks that required configuration is present and internally consistent.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	for i, b := range c.Brokers {
		if b.ClientID == "" {
			return fmt.Errorf("broker[%d]: clientId is required", i)
		}
		if b.PrivateKeyPath == "" {
			return fmt.Errorf("broker[%d]: privateKeyPath is required", i)
		}
		if b.Environment != "paper" && b.Environment != "live" {
			return fmt.Errorf("broker[%d]: environment must be paper or live, got %q", i, b.Environment)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
