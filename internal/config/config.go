package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Scheduling provider (Trinks-compatible REST API)
	ProviderBaseURL         string
	ProviderAPIKey          string
	ProviderEstablishmentID string
	ProviderTimeout         time.Duration
	CatalogCacheTTL         time.Duration

	// OpenAI extraction/response collaborator
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAITimeout     time.Duration
	ExtractionHistory int

	// Booking policy
	WorkingHoursStart  string
	WorkingHoursEnd    string
	BufferTimeMinutes  int
	DefaultDurationMin int
	MinAdvanceHours    int
	MaxAdvanceDays     int
	MatchMinScore      float64
	MatchTieEpsilon    float64
	SearchAheadDays    int
	Timezone           string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		ProviderBaseURL:         strings.TrimRight(getEnv("PROVIDER_BASE_URL", ""), "/"),
		ProviderAPIKey:          getEnv("PROVIDER_API_KEY", ""),
		ProviderEstablishmentID: getEnv("PROVIDER_ESTABLISHMENT_ID", ""),
		ProviderTimeout:         getEnvAsDuration("PROVIDER_TIMEOUT", 20*time.Second),
		CatalogCacheTTL:         getEnvAsDuration("CATALOG_CACHE_TTL", 10*time.Minute),

		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAITimeout:     getEnvAsDuration("OPENAI_TIMEOUT", 30*time.Second),
		ExtractionHistory: getEnvAsInt("EXTRACTION_HISTORY_TURNS", 10),

		WorkingHoursStart:  getEnv("WORKING_HOURS_START", "08:00"),
		WorkingHoursEnd:    getEnv("WORKING_HOURS_END", "18:00"),
		BufferTimeMinutes:  getEnvAsInt("BUFFER_TIME_MINUTES", 15),
		DefaultDurationMin: getEnvAsInt("DEFAULT_SERVICE_DURATION_MINUTES", 60),
		MinAdvanceHours:    getEnvAsInt("MIN_ADVANCE_BOOKING_HOURS", 2),
		MaxAdvanceDays:     getEnvAsInt("MAX_ADVANCE_BOOKING_DAYS", 30),
		MatchMinScore:      getEnvAsFloat("MATCH_MIN_SCORE", 0.65),
		MatchTieEpsilon:    getEnvAsFloat("MATCH_TIE_EPSILON", 0.08),
		SearchAheadDays:    getEnvAsInt("SEARCH_AHEAD_DAYS", 7),
		Timezone:           getEnv("BOOKING_TIMEZONE", "America/Sao_Paulo"),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
