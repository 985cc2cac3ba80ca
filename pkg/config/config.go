// Package config loads environment-driven settings plus the accounts file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the trading engine.
type Config struct {
	Port string

	// Database
	DBPath string

	// Accounts file (YAML) declaring the master and user accounts.
	AccountsFile string

	// Execution
	DryRun       bool          // route every account through the paper broker
	TickInterval time.Duration // worker cadence
	MinFunding   float64       // minimum free+positions capital to start a worker

	// Lifecycle thresholds (fractions, e.g. 0.05 = 5%)
	EmergencyMaxLoss float64
	EmergencyMaxHold time.Duration
	StopLossPct      float64
	MaxHold          time.Duration
	ZombieRetryAfter time.Duration

	// Resilience
	MaxRetryAttempts int
	CircuitThreshold int
	CircuitCooldown  time.Duration
	RequestsPerSec   float64 // per-broker request pacing

	// Intent journal
	IntentWALDir string

	// Operator API
	JWTSecret        string
	OperatorPassword string // bcrypt hash preferred; plaintext accepted for dev

	// Logging
	LogLevel string
	LogFile  string
}

// Account declares one brokerage account bound to a venue. Credentials are
// referenced by environment variable name only and never stored in config.
type Account struct {
	ID           string   `yaml:"id"`
	Role         string   `yaml:"role"` // master | user
	Broker       string   `yaml:"broker"`
	APIKeyEnv    string   `yaml:"api_key_env"`
	APISecretEnv string   `yaml:"api_secret_env"`
	Symbols      []string `yaml:"symbols"`
	Enabled      bool     `yaml:"enabled"`

	// Capital policy
	MaxPositionNotional float64 `yaml:"max_position_notional"` // per-entry sizing cap
	FreeReservePct      float64 `yaml:"free_reserve_pct"`      // fraction of total capital kept free
}

// AccountsFile is the on-disk shape of the accounts declaration.
type AccountsFile struct {
	Accounts []Account `yaml:"accounts"`
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:             getEnv("PORT", "8080"),
		DBPath:           getEnv("DB_PATH", "./data/autotrader.db"),
		AccountsFile:     getEnv("ACCOUNTS_FILE", "./accounts.yaml"),
		DryRun:           getEnv("DRY_RUN", "false") == "true",
		TickInterval:     getEnvDuration("TICK_INTERVAL", 150*time.Second),
		MinFunding:       getEnvFloat("MIN_FUNDING", 10.0),
		EmergencyMaxLoss: getEnvFloat("EMERGENCY_MAX_LOSS", 0.05),
		EmergencyMaxHold: getEnvDuration("EMERGENCY_MAX_HOLD", 12*time.Hour),
		StopLossPct:      getEnvFloat("STOP_LOSS_PCT", 0.01),
		MaxHold:          getEnvDuration("MAX_HOLD", 8*time.Hour),
		ZombieRetryAfter: getEnvDuration("ZOMBIE_RETRY_AFTER", 24*time.Hour),
		MaxRetryAttempts: getEnvInt("MAX_RETRY_ATTEMPTS", 10),
		CircuitThreshold: getEnvInt("CIRCUIT_THRESHOLD", 5),
		CircuitCooldown:  getEnvDuration("CIRCUIT_COOLDOWN", 30*time.Second),
		RequestsPerSec:   getEnvFloat("REQUESTS_PER_SEC", 8),
		IntentWALDir:     getEnv("INTENT_WAL_DIR", "./data/intent_wal"),
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret"),
		OperatorPassword: os.Getenv("OPERATOR_PASSWORD"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFile:          getEnv("LOG_FILE", "logs/autotrader.log"),
	}, nil
}

// LoadAccounts parses the accounts YAML file and applies defaults.
func LoadAccounts(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var file AccountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}

	seen := make(map[string]bool, len(file.Accounts))
	for i := range file.Accounts {
		acc := &file.Accounts[i]
		if acc.ID == "" {
			return nil, fmt.Errorf("accounts[%d]: id is required", i)
		}
		if seen[acc.ID] {
			return nil, fmt.Errorf("duplicate account id %q", acc.ID)
		}
		seen[acc.ID] = true
		if acc.Role != "master" && acc.Role != "user" {
			return nil, fmt.Errorf("account %s: role must be master or user, got %q", acc.ID, acc.Role)
		}
		if acc.Broker == "" {
			return nil, fmt.Errorf("account %s: broker is required", acc.ID)
		}
		if acc.FreeReservePct <= 0 {
			acc.FreeReservePct = 0.15
		}
		if acc.MaxPositionNotional <= 0 {
			acc.MaxPositionNotional = 100
		}
	}

	return file.Accounts, nil
}

// Credentials resolves the account's API key pair from the environment.
func (a Account) Credentials() (key, secret string) {
	return os.Getenv(a.APIKeyEnv), os.Getenv(a.APISecretEnv)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
