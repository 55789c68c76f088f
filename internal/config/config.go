package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS config
	SQSRegion   string
	SQSQueueURL string
	SQSDLQURL   string

	// AWS / SES
	AWSRegion string

	// Signing secrets. EventSigningSecret authenticates event posts;
	// WebhookSigningSecret authenticates provider callbacks. Either may
	// be empty in development only.
	EventSigningSecret   string
	WebhookSigningSecret string

	// Per-user send rate limit, fixed hourly window.
	RateLimitPerHour int

	// Worker config
	WorkerEnabled   bool
	WorkerBatchSize int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "prepmail",
		DBPassword: "",
		DBName:     "prepmail",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion: "us-east-1",

		RateLimitPerHour: 10,

		WorkerEnabled:   true,
		WorkerBatchSize: 10,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if url := os.Getenv("SQS_DLQ_URL"); url != "" {
		cfg.SQSDLQURL = url
	}

	cfg.EventSigningSecret = os.Getenv("EVENT_SIGNING_SECRET")
	cfg.WebhookSigningSecret = os.Getenv("WEBHOOK_SIGNING_SECRET")

	if limit := os.Getenv("RATE_LIMIT_PER_HOUR"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil || l <= 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_HOUR: %q", limit)
		}
		cfg.RateLimitPerHour = l
	}

	if enabled := os.Getenv("WORKER_ENABLED"); enabled != "" {
		cfg.WorkerEnabled = enabled == "true" || enabled == "1"
	}

	if size := os.Getenv("WORKER_BATCH_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil || s <= 0 || s > 10 {
			return nil, fmt.Errorf("invalid WORKER_BATCH_SIZE: %q (must be 1-10)", size)
		}
		cfg.WorkerBatchSize = s
	}

	// Running production with unsigned webhooks or events would let
	// anyone forge delivery status or trigger sends.
	if cfg.Env == "production" {
		if cfg.WebhookSigningSecret == "" {
			return nil, fmt.Errorf("WEBHOOK_SIGNING_SECRET is required when ENV=production")
		}
		if cfg.EventSigningSecret == "" {
			return nil, fmt.Errorf("EVENT_SIGNING_SECRET is required when ENV=production")
		}
	}

	return cfg, nil
}
