package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration
type Config struct {
	// API Configuration
	APIPort        string
	APIHost        string
	APIEnvironment string

	// MongoDB
	MongoURI          string
	MongoSecondaryURI string
	MongoDatabase     string

	// Redis
	RedisURL string

	// JWT & Security
	JWTSecret string

	// CORS
	CORSAllowedOrigins []string

	// Rate Limiting
	RateLimitRequestsPerMinute int
	RateLimitBurst             int

	// Sentry
	SentryDSN string

	// DMS integration
	DMSBaseURL string
	DMSAPIKey  string

	// AWS / deal archive
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSRegion          string
	DealArchiveBucket  string
	AttachmentBucket   string

	// Webhook event delivery
	WebhookEndpoints []string
	WebhookSecret    string

	// SendGrid
	SendGridAPIKey string
	EmailFrom      string
	EmailFromName  string
	EmailDomain    string

	// Logging
	LogLevel  string
	LogFormat string

	// Background jobs
	MaintenanceEnabled bool
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		// API
		APIPort:        getEnv("API_PORT", "8080"),
		APIHost:        getEnv("API_HOST", "0.0.0.0"),
		APIEnvironment: getEnv("API_ENVIRONMENT", "development"),

		// MongoDB
		MongoURI:          getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoSecondaryURI: getEnv("MONGO_SECONDARY_URI", ""),
		MongoDatabase:     getEnv("MONGO_DATABASE", "crm"),

		// Redis
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "change-this-in-production"),

		// CORS
		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),

		// Rate Limiting
		RateLimitRequestsPerMinute: getEnvAsInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 120),
		RateLimitBurst:             getEnvAsInt("RATE_LIMIT_BURST", 20),

		// Sentry
		SentryDSN: getEnv("SENTRY_DSN", ""),

		// DMS
		DMSBaseURL: getEnv("DMS_BASE_URL", ""),
		DMSAPIKey:  getEnv("DMS_API_KEY", ""),

		// AWS
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		DealArchiveBucket:  getEnv("DEAL_ARCHIVE_BUCKET", ""),
		AttachmentBucket:   getEnv("ATTACHMENT_BUCKET", ""),

		// Webhooks
		WebhookEndpoints: getEnvAsSlice("WEBHOOK_ENDPOINTS", nil),
		WebhookSecret:    getEnv("WEBHOOK_SECRET", ""),

		// SendGrid
		SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
		EmailFrom:      getEnv("EMAIL_FROM", "noreply@dealerdesk.io"),
		EmailFromName:  getEnv("EMAIL_FROM_NAME", "DealerDesk CRM"),
		EmailDomain:    getEnv("EMAIL_DOMAIN", ""),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Jobs
		MaintenanceEnabled: getEnvAsBool("MAINTENANCE_ENABLED", true),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
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

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
