package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	// NodeID seeds the snowflake generator. Processes sharing a database need distinct ids.
	NodeID int64

	LogLevel  string
	LogFormat string

	OTLPEndpoint      string
	OTLPProtocol      string
	OtelEnabled       bool
	OtelSamplingRatio float64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBSlowQuery       time.Duration

	Redis RedisConfig

	Gateway GatewayConfig

	// OperatorAPIKeys maps an API key to its operator role.
	OperatorAPIKeys map[string]string

	Scheduler SchedulerConfig

	RateLimit RateLimitConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type GatewayConfig struct {
	Provider    string
	URL         string
	QueryURL    string
	SecurityKey string
	Timeout     time.Duration
	TestMode    bool
}

// RateLimitConfig bounds operator-triggered charges per subscription.
type RateLimitConfig struct {
	ManualChargePerMinute int
	ManualChargeBurst     int
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	EnabledJobs []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "rebill"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       int64(getenvInt("NODE_ID", 1)),
		LogLevel:     strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
		LogFormat:    strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),

		OTLPEndpoint:      strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317"))),
		OTLPProtocol:      strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
		OtelEnabled:       getenvBool("OTEL_ENABLED", false),
		OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "rebill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBSlowQuery:       getenvDuration("DATABASE_SLOW_QUERY", 250*time.Millisecond),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},

		Gateway: GatewayConfig{
			Provider:    strings.ToLower(strings.TrimSpace(getenv("GATEWAY_PROVIDER", "sandbox"))),
			URL:         strings.TrimSpace(getenv("GATEWAY_URL", "https://secure.nmi.com/api/transact.php")),
			QueryURL:    strings.TrimSpace(getenv("GATEWAY_QUERY_URL", "https://secure.nmi.com/api/query.php")),
			SecurityKey: strings.TrimSpace(getenv("GATEWAY_SECURITY_KEY", "")),
			Timeout:     getenvDuration("GATEWAY_TIMEOUT", 30*time.Second),
			TestMode:    getenvBool("GATEWAY_TEST_MODE", false),
		},

		OperatorAPIKeys: parseAPIKeys(getenv("OPERATOR_API_KEYS", "")),

		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", 5*time.Minute),
			EnabledJobs: parseList(getenv("SCHEDULER_JOBS", "")),
		},

		RateLimit: RateLimitConfig{
			ManualChargePerMinute: getenvInt("RATE_LIMIT_MANUAL_CHARGE_PER_MINUTE", 2),
			ManualChargeBurst:     getenvInt("RATE_LIMIT_MANUAL_CHARGE_BURST", 3),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// parseAPIKeys reads "key:role,key:role" pairs. Entries without a role default to analyst.
func parseAPIKeys(raw string) map[string]string {
	out := map[string]string{}
	for _, entry := range parseList(raw) {
		key, role, found := strings.Cut(entry, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		role = strings.ToLower(strings.TrimSpace(role))
		if !found || role == "" {
			role = "analyst"
		}
		out[key] = role
	}
	return out
}
