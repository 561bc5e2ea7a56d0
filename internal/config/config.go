package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds bot process configuration read from environment variables.
type Config struct {
	TelegramAPIBase       string
	TelegramTimeout       int
	DropPending           bool
	PendingWindowSeconds  int64
	PendingMaxMessages    int
	Model                 string
	SystemPrompt          string
	DBPath                string
	MaxPromptTokens       int
	ReplyHeadroom         int
	TypingIntervalSeconds int
	OpenAIResponsesURL    string
	LogDir                string
	LogLevel              string
}

// Load reads bot configuration from environment variables. MaxPromptTokens
// of 0 means "derive from the model's context window".
func Load() (Config, error) {
	telegramToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	if telegramToken == "" {
		return Config{}, fmt.Errorf("TELEGRAM_BOT_TOKEN is required in environment")
	}

	return Config{
		TelegramAPIBase:       fmt.Sprintf("https://api.telegram.org/bot%s", telegramToken),
		TelegramTimeout:       envIntOrDefault("TG_TIMEOUT", 30),
		DropPending:           envBoolOrDefault("TG_DROP_PENDING", true),
		PendingWindowSeconds:  int64(envIntOrDefault("TG_PENDING_WINDOW_SECONDS", 600)),
		PendingMaxMessages:    envIntOrDefault("TG_PENDING_MAX_MESSAGES", 50),
		Model:                 envOrDefault("OPEN_AI_MODEL", "gpt-4.1"),
		SystemPrompt:          os.Getenv("OPEN_AI_SYSTEM_PROMPT"),
		DBPath:                envOrDefault("SQLITE_PATH", "data/bot.db"),
		MaxPromptTokens:       envIntOrDefault("MAX_PROMPT_TOKENS", 0),
		ReplyHeadroom:         envIntOrDefault("REPLY_HEADROOM", 1024),
		TypingIntervalSeconds: envIntOrDefault("TYPING_INTERVAL_SECONDS", 4),
		OpenAIResponsesURL:    envOrDefault("OPENAI_RESPONSES_URL", "https://api.openai.com/v1/responses"),
		LogDir:                envOrDefault("LOG_DIR", "logs"),
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
	}, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
