// Package config holds the process bootstrap settings (environment) and the
// DB-backed runtime configuration store.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Env is the bootstrap configuration read once at process start. Everything
// tunable at runtime lives in the Store instead.
type Env struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Mode
	Debug bool

	// Database
	DatabasePath string
	BackupDir    string

	// Credential encryption
	SecretKeyPath string

	// Dashboard
	WebListenAddr string
	WebEnabled    bool
}

// LoadEnv loads bootstrap configuration from environment variables.
func LoadEnv() (*Env, error) {
	cfg := &Env{
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		Debug:         getEnvBool("DEBUG", false),
		DatabasePath:  getEnv("DATABASE_PATH", "data/fundingbot.db"),
		BackupDir:     getEnv("BACKUP_DIR", "data/backups"),
		SecretKeyPath: getEnv("SECRET_KEY_PATH", "data/secret.key"),
		WebListenAddr: getEnv("WEB_LISTEN_ADDR", ":8080"),
		WebEnabled:    getEnvBool("WEB_ENABLED", true),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
