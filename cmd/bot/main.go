package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stupiduntilnot/tggpt/internal/config"
	"github.com/stupiduntilnot/tggpt/internal/db"
	"github.com/stupiduntilnot/tggpt/internal/history"
	"github.com/stupiduntilnot/tggpt/internal/openai"
	"github.com/stupiduntilnot/tggpt/internal/registry"
	"github.com/stupiduntilnot/tggpt/internal/relay"
	"github.com/stupiduntilnot/tggpt/internal/telegram"
	"github.com/stupiduntilnot/tggpt/internal/token"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg)

	database, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.InitSchema(database); err != nil {
		slog.Error("failed to init schema", "error", err)
		os.Exit(1)
	}

	maxPromptTokens := cfg.MaxPromptTokens
	if maxPromptTokens <= 0 {
		maxPromptTokens = openai.ContextLength(cfg.Model)
	}

	// Long-poll requests need more client-side headroom than the poll timeout.
	tg := telegram.NewClient(cfg.TelegramAPIBase, time.Duration(cfg.TelegramTimeout+20)*time.Second)

	pipeline := &relay.Pipeline{
		Registry:         &registry.Registry{DB: database},
		History:          &history.Store{DB: database},
		Tokens:           token.NewCounter(cfg.Model),
		Completer:        openai.NewClient(cfg.OpenAIResponsesURL, cfg.Model, 120*time.Second),
		Transport:        tg,
		SystemPrompt:     cfg.SystemPrompt,
		MaxContextTokens: maxPromptTokens,
		ReplyHeadroom:    cfg.ReplyHeadroom,
		TypingInterval:   time.Duration(cfg.TypingIntervalSeconds) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var offset int64
	if cfg.DropPending {
		offset, err = bootstrapOffset(tg, time.Now().Unix(), cfg.PendingWindowSeconds, cfg.PendingMaxMessages)
		if err != nil {
			slog.Error("bootstrap offset failed", "error", err)
		}
	}

	slog.Info("starting tggpt bot", "model", cfg.Model, "max_prompt_tokens", maxPromptTokens)

	var wg sync.WaitGroup
	for ctx.Err() == nil {
		updates, err := tg.GetUpdates(offset, cfg.TelegramTimeout)
		if err != nil {
			slog.Error("getUpdates failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		for _, update := range updates {
			offset = update.UpdateID + 1

			in, ok := toInbound(update)
			if !ok {
				continue
			}
			wg.Add(1)
			go func(in relay.Inbound) {
				defer wg.Done()
				pipeline.Handle(in)
			}(in)
		}
	}

	slog.Info("shutting down; waiting for in-flight messages")
	wg.Wait()
	slog.Info("shutdown complete")
}

// toInbound decodes a Telegram update into a pipeline event. Updates without
// a message are skipped; messages without text become non-text events.
func toInbound(update telegram.Update) (relay.Inbound, bool) {
	if update.Message == nil {
		return relay.Inbound{}, false
	}
	chatID := update.Message.Chat.ID
	if update.Message.Text == nil {
		return relay.Inbound{ChatID: chatID, NonText: true}, true
	}
	text := *update.Message.Text
	if text == "" {
		return relay.Inbound{ChatID: chatID, NonText: true}, true
	}
	return relay.Inbound{ChatID: chatID, Text: text}, true
}

type updateSource interface {
	GetUpdates(offset int64, timeout int) ([]telegram.Update, error)
}

// bootstrapOffset picks the first poll offset on a fresh start: stale
// pending updates outside the window are skipped, and at most
// pendingMaxMessages recent ones are kept for processing.
func bootstrapOffset(source updateSource, nowUnix, pendingWindowSeconds int64, pendingMaxMessages int) (int64, error) {
	updates, err := source.GetUpdates(0, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	cutoff := nowUnix - pendingWindowSeconds

	var inWindow []telegram.Update
	for _, u := range updates {
		if u.Message != nil && u.Message.Date >= cutoff {
			inWindow = append(inWindow, u)
		}
	}

	if len(inWindow) == 0 {
		return updates[len(updates)-1].UpdateID + 1, nil
	}

	if len(inWindow) > pendingMaxMessages {
		inWindow = inWindow[len(inWindow)-pendingMaxMessages:]
	}

	return inWindow[0].UpdateID, nil
}

// setupLogger writes to rotating files capped at 10MB each, keeping the 3
// newest, while duplicating everything to stderr.
func setupLogger(cfg config.Config) {
	rotor := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "bot.log"),
		MaxSize:    10,
		MaxBackups: 3,
	}
	handler := slog.NewTextHandler(
		io.MultiWriter(rotor, os.Stderr),
		&slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)},
	)
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
