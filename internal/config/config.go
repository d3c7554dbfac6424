// Package config handles bootstrap configuration from environment variables
// and the layered runtime configuration store.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the bootstrap configuration read once at startup.
type Config struct {
	APIID        int
	APIHash      string
	BotToken     string
	Phone        string
	DatabasePath string
	SessionDir   string
	DefaultsFile string
	LogLevel     string
	WebHost      string
	WebPort      int
	TempDir      string
}

// Load reads configuration from environment variables. The Telegram API
// credentials, bot token and phone number are required; startup aborts
// without them.
func Load() (*Config, error) {
	apiIDRaw := os.Getenv("TELEGRAM_API_ID")
	if apiIDRaw == "" {
		return nil, fmt.Errorf("TELEGRAM_API_ID is required")
	}
	apiID, err := strconv.Atoi(apiIDRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_API_ID %q: %w", apiIDRaw, err)
	}

	apiHash := os.Getenv("TELEGRAM_API_HASH")
	if apiHash == "" {
		return nil, fmt.Errorf("TELEGRAM_API_HASH is required")
	}
	botToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	if botToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	phone := os.Getenv("TELEGRAM_PHONE")
	if phone == "" {
		return nil, fmt.Errorf("TELEGRAM_PHONE is required")
	}

	webPort := 9393
	if raw := os.Getenv("WEB_PORT"); raw != "" {
		webPort, err = strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid WEB_PORT %q: %w", raw, err)
		}
	}

	return &Config{
		APIID:        apiID,
		APIHash:      apiHash,
		BotToken:     botToken,
		Phone:        phone,
		DatabasePath: envOrDefault("DATABASE_PATH", "./data/relay.db"),
		SessionDir:   envOrDefault("SESSION_DIR", "./data/sessions"),
		DefaultsFile: envOrDefault("CONFIG_DEFAULTS", "./config.defaults.json"),
		LogLevel:     envOrDefault("LOG_LEVEL", "info"),
		WebHost:      envOrDefault("WEB_HOST", "127.0.0.1"),
		WebPort:      webPort,
		TempDir:      envOrDefault("TEMP_DIR", os.TempDir()),
	}, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
