package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
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

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)

	// Chat bot relay
	ChatBotURL     string // Base URL of the chat bot API, empty disables chat delivery
	ChatBotTimeout int    // Timeout for chat bot requests in seconds

	// Platform settings
	BaseURL string // Base URL of the learning platform, used in message links
	BotName string // Display name substituted into message templates

	// Stale-intervention evaluation
	EvaluateInterval time.Duration // How often the background sweep runs
	EvaluateWindow   time.Duration // How long an intervention may stay intervened
	EvaluateBatch    int           // Max interventions resolved per sweep
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
		DBUser:     "motiva",
		DBPassword: "",
		DBName:     "motiva",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@motiva.local",

		BaseURL: "http://localhost:8000",
		BotName: "Motiva",

		EvaluateInterval: 15 * time.Minute,
		EvaluateWindow:   7 * 24 * time.Hour,
		EvaluateBatch:    50,
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

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
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

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// Chat bot config
	if url := os.Getenv("CHAT_BOT_URL"); url != "" {
		cfg.ChatBotURL = url
	}

	if timeout := os.Getenv("CHAT_BOT_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid CHAT_BOT_TIMEOUT: %w", err)
		}
		cfg.ChatBotTimeout = t
	} else {
		cfg.ChatBotTimeout = 30 // default 30 seconds
	}

	// Platform config
	if url := os.Getenv("PLATFORM_BASE_URL"); url != "" {
		cfg.BaseURL = url
	}

	if name := os.Getenv("BOT_NAME"); name != "" {
		cfg.BotName = name
	}

	// Evaluation sweep config
	if interval := os.Getenv("EVALUATE_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid EVALUATE_INTERVAL: %w", err)
		}
		cfg.EvaluateInterval = d
	}

	if window := os.Getenv("EVALUATE_WINDOW"); window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid EVALUATE_WINDOW: %w", err)
		}
		cfg.EvaluateWindow = d
	}

	if batch := os.Getenv("EVALUATE_BATCH"); batch != "" {
		b, err := strconv.Atoi(batch)
		if err != nil {
			return nil, fmt.Errorf("invalid EVALUATE_BATCH: %w", err)
		}
		cfg.EvaluateBatch = b
	}

	return cfg, nil
}
