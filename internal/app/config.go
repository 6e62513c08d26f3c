package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	// DataDir holds the cookie files, the admin key, and the audit database.
	DataDir string
	// ConfigFile is the INI file with operator-tunable coordination settings.
	ConfigFile string
	// AuditPath overrides the audit database location. Empty means
	// DataDir/broker_audit.sqlite.
	AuditPath string

	// Security & hardening.
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// ExposeAdminKey serves the admin key over GET /admin/key. Only for
	// trusted-network deployments.
	ExposeAdminKey bool
	// StrategyTuning lets smart-import adjust the concurrency cap.
	StrategyTuning bool

	// OpenTelemetry tracing.
	OTelEnabled  bool
	OTelEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("BROKER_LISTEN_ADDR", ":8001"),
		LogLevel:   getEnv("BROKER_LOG_LEVEL", "info"),

		DataDir:    getEnv("BROKER_DATA_DIR", "browser_data"),
		ConfigFile: getEnv("BROKER_CONFIG_FILE", "server_config.ini"),
		AuditPath:  getEnv("BROKER_AUDIT_PATH", ""),

		CORSOrigins:    getEnvStringSlice("BROKER_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("BROKER_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("BROKER_RATE_LIMIT_BURST", 120),

		ExposeAdminKey: getEnvBool("BROKER_EXPOSE_ADMIN_KEY", false),
		StrategyTuning: getEnvBool("BROKER_STRATEGY_TUNING", false),

		OTelEnabled:  getEnvBool("BROKER_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("BROKER_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("BROKER_DATA_DIR must not be empty")
	}
	if c.ConfigFile == "" {
		return fmt.Errorf("BROKER_CONFIG_FILE must not be empty")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("BROKER_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("BROKER_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
