package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Backend RPC configuration
	AuthURL     string
	InvokerURL  string
	AppClientID string
	UserAgent   string
	Username    string
	Password    string
	HTTPTimeout time.Duration

	// Shadow channel (MQTT) configuration
	BrokerURL      string
	TopicPrefix    string
	TriggerSettle  time.Duration
	ShadowSettle   time.Duration
	FallbackSettle time.Duration
	ConnectTimeout time.Duration

	// Adaptive polling configuration
	PollWindow       time.Duration
	CycleWindow      time.Duration
	MinInterval      time.Duration
	MaxInterval      time.Duration
	AlertMaxInterval time.Duration
	Hysteresis       time.Duration

	// Threshold learner configuration
	EventDeltaMM    float64
	MinEventGap     time.Duration
	MaxEventGap     time.Duration
	HistoryCapacity int

	// Fleet configuration
	DeviceType        string
	InitialCycleLimit int
	CycleLimit        int

	// Redis configuration (statistic checkpoints)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ClickHouse configuration (statistics sink)
	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string

	// Metrics endpoint
	MetricsAddr string
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		// Backend RPC configuration
		AuthURL:     getEnv("AUTH_URL", ""),
		InvokerURL:  getEnv("INVOKER_URL", ""),
		AppClientID: getEnv("APP_CLIENT_ID", ""),
		UserAgent:   getEnv("USER_AGENT", "sump-backend/1.0"),
		Username:    getEnv("ACCOUNT_USERNAME", ""),
		Password:    getEnv("ACCOUNT_PASSWORD", ""),
		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 30*time.Second),

		// Shadow channel configuration
		BrokerURL:      getEnv("MQTT_BROKER", ""),
		TopicPrefix:    getEnv("MQTT_TOPIC_PREFIX", "$aws/things"),
		TriggerSettle:  getEnvDuration("TRIGGER_SETTLE", 2*time.Second),
		ShadowSettle:   getEnvDuration("SHADOW_SETTLE", 1*time.Second),
		FallbackSettle: getEnvDuration("FALLBACK_SETTLE", 500*time.Millisecond),
		ConnectTimeout: getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),

		// Adaptive polling configuration
		PollWindow:       getEnvDuration("POLL_WINDOW", 180*time.Second),
		CycleWindow:      getEnvDuration("CYCLE_WINDOW", 15*time.Minute),
		MinInterval:      getEnvDuration("MIN_POLL_INTERVAL", 10*time.Second),
		MaxInterval:      getEnvDuration("MAX_POLL_INTERVAL", 300*time.Second),
		AlertMaxInterval: getEnvDuration("ALERT_MAX_INTERVAL", 60*time.Second),
		Hysteresis:       getEnvDuration("POLL_HYSTERESIS", 5*time.Second),

		// Threshold learner configuration
		EventDeltaMM:    getEnvFloat("EVENT_DELTA_MM", 100),
		MinEventGap:     getEnvDuration("MIN_EVENT_GAP", 5*time.Second),
		MaxEventGap:     getEnvDuration("MAX_EVENT_GAP", 600*time.Second),
		HistoryCapacity: getEnvInt("HISTORY_CAPACITY", 100),

		// Fleet configuration
		DeviceType:        getEnv("DEVICE_TYPE", "NAB"),
		InitialCycleLimit: getEnvInt("INITIAL_CYCLE_LIMIT", 1000),
		CycleLimit:        getEnvInt("CYCLE_LIMIT", 50),

		// Redis configuration
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		// ClickHouse configuration
		ClickHouseAddr: getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDB:   getEnv("CLICKHOUSE_DB", "pumps"),
		ClickHouseUser: getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePass: getEnv("CLICKHOUSE_PASS", ""),

		// Metrics endpoint
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as int, using default: %v", key, err)
		return defaultValue
	}
	return intValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("Warning: failed to parse %s as float, using default: %v", key, err)
		return defaultValue
	}
	return floatValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as duration, using default: %v", key, err)
		return defaultValue
	}
	return d
}
