// botadmin manages chat authorization and credentials out-of-band. The bot
// process only ever reads these records; all mutation happens here.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/stupiduntilnot/tggpt/internal/db"
	"github.com/stupiduntilnot/tggpt/internal/registry"
)

func main() {
	var dbPath string
	pflag.StringVar(&dbPath, "db", "data/bot.db", "path to the bot database")
	pflag.Usage = usage
	pflag.Parse()

	if err := run(dbPath, pflag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "botadmin:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: botadmin [--db path] <command> [args]

Commands:
  list                          show all known chats
  approve <chat_id>             authorize a chat (requires an api key)
  revoke <chat_id>              withdraw authorization
  set-key <chat_id> <key>       set the chat's api key ("none" clears it)
  set-prompt <chat_id> <text>   set the chat's system prompt ("none" clears it)

Flags:
`)
	pflag.PrintDefaults()
}

func run(dbPath string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command (list, approve, revoke, set-key, set-prompt)")
	}

	database, err := db.OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.InitSchema(database); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}

	reg := &registry.Registry{DB: database}

	switch args[0] {
	case "list":
		return list(reg, out)
	case "approve":
		chatID, err := chatIDArg(args)
		if err != nil {
			return err
		}
		if _, err := reg.GetOrCreate(chatID); err != nil {
			return err
		}
		if err := reg.SetAuthorized(chatID, true); err != nil {
			return err
		}
		fmt.Fprintf(out, "chat %d approved\n", chatID)
		return nil
	case "revoke":
		chatID, err := chatIDArg(args)
		if err != nil {
			return err
		}
		if err := reg.SetAuthorized(chatID, false); err != nil {
			return err
		}
		fmt.Fprintf(out, "chat %d revoked\n", chatID)
		return nil
	case "set-key":
		chatID, err := chatIDArg(args)
		if err != nil {
			return err
		}
		if len(args) < 3 {
			return fmt.Errorf("set-key requires a key argument")
		}
		key := clearable(args[2])
		if key == "" {
			chat, err := reg.GetOrCreate(chatID)
			if err != nil {
				return err
			}
			if chat.IsAuthorized {
				return fmt.Errorf("chat %d is authorized; revoke it before clearing the api key", chatID)
			}
		}
		if _, err := reg.GetOrCreate(chatID); err != nil {
			return err
		}
		if err := reg.SetAPIKey(chatID, key); err != nil {
			return err
		}
		fmt.Fprintf(out, "chat %d api key updated\n", chatID)
		return nil
	case "set-prompt":
		chatID, err := chatIDArg(args)
		if err != nil {
			return err
		}
		if len(args) < 3 {
			return fmt.Errorf("set-prompt requires a prompt argument")
		}
		prompt := clearable(strings.Join(args[2:], " "))
		if _, err := reg.GetOrCreate(chatID); err != nil {
			return err
		}
		if err := reg.SetSystemPrompt(chatID, prompt); err != nil {
			return err
		}
		fmt.Fprintf(out, "chat %d system prompt updated\n", chatID)
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func list(reg *registry.Registry, out io.Writer) error {
	chats, err := reg.List()
	if err != nil {
		return err
	}
	if len(chats) == 0 {
		fmt.Fprintln(out, "no chats yet")
		return nil
	}
	fmt.Fprintf(out, "%-16s %-11s %-8s %s\n", "CHAT", "AUTHORIZED", "KEY", "PROMPT")
	for _, chat := range chats {
		key := "-"
		if chat.APIKey != "" {
			key = "set"
		}
		prompt := chat.SystemPrompt
		if runes := []rune(prompt); len(runes) > 40 {
			prompt = string(runes[:40]) + "…"
		}
		if prompt == "" {
			prompt = "-"
		}
		fmt.Fprintf(out, "%-16d %-11t %-8s %s\n", chat.ChatID, chat.IsAuthorized, key, prompt)
	}
	return nil
}

func chatIDArg(args []string) (int64, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%s requires a chat id", args[0])
	}
	chatID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q", args[1])
	}
	return chatID, nil
}

// clearable maps the literal "none" to an empty value, matching how the
// bot's operators clear a field.
func clearable(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), "none") {
		return ""
	}
	return s
}
