package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	MySQL     MySQLConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Migrate   bool
	HTTPAddr  string
	Bridge    BridgeConfig
	Heartbeat HeartbeatConfig
	Approval  ApprovalConfig
	Tools     ToolsConfig
	Enroll    EnrollConfig
	Policy    PolicyConfig
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// BridgeConfig holds event bridge configuration
type BridgeConfig struct {
	DisconnectGraceSec int
	CancelGraceSec     int
	SubscriberBuffer   int
	MaxPendingCommands int
}

// HeartbeatConfig holds heartbeat sweeper configuration
type HeartbeatConfig struct {
	Enabled     bool
	IntervalSec int
	TimeoutSec  int
}

// ApprovalConfig holds approval janitor configuration. Timeouts are per
// policy profile; zero disables the timeout for that profile.
type ApprovalConfig struct {
	Enabled              bool
	IntervalSec          int
	StrictTimeoutSec     int
	DefaultTimeoutSec    int
	UnattendedTimeoutSec int
	RetryOnTimeout       bool
}

// ToolsConfig holds tool registry configuration
type ToolsConfig struct {
	InvokeTimeoutSec   int
	AutomationEndpoint string
}

// EnrollConfig holds instance enrollment configuration
type EnrollConfig struct {
	TokenTTLSec int
}

// PolicyConfig holds policy engine configuration
type PolicyConfig struct {
	ExtraDenyList []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:        os.Getenv("JWT_SECRET"),
			ExpireMinutes: getEnvInt("JWT_EXPIRE_MINUTES", 1440),
			Issuer:        getEnv("JWT_ISSUER", "go_bridge"),
		},
		Migrate:  getEnv("MIGRATE", "0") == "1",
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		Bridge: BridgeConfig{
			DisconnectGraceSec: getEnvInt("BRIDGE_DISCONNECT_GRACE_SEC", 120),
			CancelGraceSec:     getEnvInt("BRIDGE_CANCEL_GRACE_SEC", 10),
			SubscriberBuffer:   getEnvInt("BRIDGE_SUBSCRIBER_BUFFER", 64),
			MaxPendingCommands: getEnvInt("BRIDGE_MAX_PENDING_COMMANDS", 256),
		},
		Heartbeat: HeartbeatConfig{
			Enabled:     getEnv("HEARTBEAT_SWEEPER_ENABLED", "1") == "1",
			IntervalSec: getEnvInt("HEARTBEAT_SWEEP_INTERVAL_SEC", 10),
			TimeoutSec:  getEnvInt("HEARTBEAT_TIMEOUT_SEC", 30),
		},
		Approval: ApprovalConfig{
			Enabled:              getEnv("APPROVAL_JANITOR_ENABLED", "1") == "1",
			IntervalSec:          getEnvInt("APPROVAL_JANITOR_INTERVAL_SEC", 15),
			StrictTimeoutSec:     getEnvInt("APPROVAL_TIMEOUT_STRICT_SEC", 300),
			DefaultTimeoutSec:    getEnvInt("APPROVAL_TIMEOUT_DEFAULT_SEC", 0),
			UnattendedTimeoutSec: getEnvInt("APPROVAL_TIMEOUT_UNATTENDED_SEC", 0),
			RetryOnTimeout:       getEnv("APPROVAL_RETRY_ON_TIMEOUT", "1") == "1",
		},
		Tools: ToolsConfig{
			InvokeTimeoutSec:   getEnvInt("TOOL_INVOKE_TIMEOUT_SEC", 30),
			AutomationEndpoint: getEnv("TOOL_AUTOMATION_ENDPOINT", "http://localhost:9500/invoke"),
		},
		Enroll: EnrollConfig{
			TokenTTLSec: getEnvInt("ENROLL_TOKEN_TTL_SEC", 900),
		},
		Policy: PolicyConfig{
			ExtraDenyList: splitList(getEnv("POLICY_EXTRA_DENY", "")),
		},
	}

	// Validate required fields
	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	// Load INI file
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	// Helper function: get value with priority: ENV > INI > default
	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		// Priority 1: Environment variable
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		// Priority 2: INI file
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		// Priority 3: Default value
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		// Priority 1: Environment variable
		if value := os.Getenv(envKey); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		// Priority 2: INI file
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Int(); err == nil {
				return value
			}
		}
		// Priority 3: Default value
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		// Priority 1: Environment variable
		if value := os.Getenv(envKey); value != "" {
			return value == "1" || value == "true"
		}
		// Priority 2: INI file
		if value, err := cfgFile.Section(iniSection).Key(iniKey).Bool(); err == nil {
			return value
		}
		// Priority 3: Default value
		return defaultValue
	}

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getValue("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Redis: RedisConfig{
			Addr:     getValue("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: getValue("REDIS_PASS", "redis", "pass", ""),
			DB:       getValueInt("REDIS_DB", "redis", "db", 0),
		},
		JWT: JWTConfig{
			Secret:        getValue("JWT_SECRET", "jwt", "secret", ""),
			ExpireMinutes: getValueInt("JWT_EXPIRE_MINUTES", "jwt", "expire_seconds", 86400) / 60,
			Issuer:        getValue("JWT_ISSUER", "jwt", "issuer", "go_bridge"),
		},
		Migrate:  getValueBool("MIGRATE", "app", "migrate", false),
		HTTPAddr: getValue("HTTP_ADDR", "http", "addr", ":8080"),
		Bridge: BridgeConfig{
			DisconnectGraceSec: getValueInt("BRIDGE_DISCONNECT_GRACE_SEC", "bridge", "disconnect_grace_sec", 120),
			CancelGraceSec:     getValueInt("BRIDGE_CANCEL_GRACE_SEC", "bridge", "cancel_grace_sec", 10),
			SubscriberBuffer:   getValueInt("BRIDGE_SUBSCRIBER_BUFFER", "bridge", "subscriber_buffer", 64),
			MaxPendingCommands: getValueInt("BRIDGE_MAX_PENDING_COMMANDS", "bridge", "max_pending_commands", 256),
		},
		Heartbeat: HeartbeatConfig{
			Enabled:     getValueBool("HEARTBEAT_SWEEPER_ENABLED", "heartbeat", "enabled", true),
			IntervalSec: getValueInt("HEARTBEAT_SWEEP_INTERVAL_SEC", "heartbeat", "interval_sec", 10),
			TimeoutSec:  getValueInt("HEARTBEAT_TIMEOUT_SEC", "heartbeat", "timeout_sec", 30),
		},
		Approval: ApprovalConfig{
			Enabled:              getValueBool("APPROVAL_JANITOR_ENABLED", "approval", "enabled", true),
			IntervalSec:          getValueInt("APPROVAL_JANITOR_INTERVAL_SEC", "approval", "interval_sec", 15),
			StrictTimeoutSec:     getValueInt("APPROVAL_TIMEOUT_STRICT_SEC", "approval", "strict_timeout_sec", 300),
			DefaultTimeoutSec:    getValueInt("APPROVAL_TIMEOUT_DEFAULT_SEC", "approval", "default_timeout_sec", 0),
			UnattendedTimeoutSec: getValueInt("APPROVAL_TIMEOUT_UNATTENDED_SEC", "approval", "unattended_timeout_sec", 0),
			RetryOnTimeout:       getValueBool("APPROVAL_RETRY_ON_TIMEOUT", "approval", "retry_on_timeout", true),
		},
		Tools: ToolsConfig{
			InvokeTimeoutSec:   getValueInt("TOOL_INVOKE_TIMEOUT_SEC", "tools", "invoke_timeout_sec", 30),
			AutomationEndpoint: getValue("TOOL_AUTOMATION_ENDPOINT", "tools", "automation_endpoint", "http://localhost:9500/invoke"),
		},
		Enroll: EnrollConfig{
			TokenTTLSec: getValueInt("ENROLL_TOKEN_TTL_SEC", "enroll", "token_ttl_sec", 900),
		},
		Policy: PolicyConfig{
			ExtraDenyList: splitList(getValue("POLICY_EXTRA_DENY", "policy", "extra_deny", "")),
		},
	}

	// Validate required fields
	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}
