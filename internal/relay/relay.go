package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stupiduntilnot/tggpt/internal/history"
	"github.com/stupiduntilnot/tggpt/internal/openai"
	"github.com/stupiduntilnot/tggpt/internal/registry"
	"github.com/stupiduntilnot/tggpt/internal/token"
	"github.com/stupiduntilnot/tggpt/internal/trim"
	"github.com/stupiduntilnot/tggpt/internal/typing"
)

// Transport sends replies and typing signals back to the chat service.
type Transport interface {
	SendMessage(chatID int64, text string) error
	SendTyping(chatID int64) error
}

// Completer produces one assistant completion from a system prompt, prior
// turns, and the new user text.
type Completer interface {
	Complete(apiKey, systemPrompt string, turns []openai.Message, userText string) (string, error)
}

// Inbound is one decoded transport event. NonText marks content the bot
// cannot forward to the model (stickers, photos, voice notes).
type Inbound struct {
	ChatID  int64
	Text    string
	NonText bool
}

const (
	nonTextReply = "Please send text messages so I can ask the language model."
	failureReply = "Sorry, something went wrong while preparing your answer. Please try again."

	defaultTypingInterval = 4 * time.Second
)

// Pipeline relays one inbound message through authorization, history
// trimming, and the completion service. Safe for concurrent use: messages
// for different chats proceed in parallel, messages for the same chat are
// serialized by a per-chat lock.
type Pipeline struct {
	Registry  *registry.Registry
	History   *history.Store
	Tokens    token.Counter
	Completer Completer
	Transport Transport

	// SystemPrompt applies to chats that have none of their own.
	SystemPrompt     string
	MaxContextTokens int
	ReplyHeadroom    int
	TypingInterval   time.Duration
	Log              *slog.Logger

	mu        sync.Mutex
	chatLocks map[int64]*sync.Mutex
}

// Handle processes one inbound message end to end. Every path sends exactly
// one reply, except unauthorized chats, which are dropped silently.
func (p *Pipeline) Handle(in Inbound) {
	log := p.logger().With("chat_id", in.ChatID, "invocation", uuid.NewString())

	if in.NonText {
		if err := p.Transport.SendMessage(in.ChatID, nonTextReply); err != nil {
			log.Error("failed to send non-text reply", "error", err)
		}
		return
	}

	chat, err := p.Registry.GetOrCreate(in.ChatID)
	if err != nil {
		log.Error("failed to load chat record", "error", err)
		p.sendFailure(in.ChatID, log)
		return
	}
	if !chat.IsAuthorized {
		log.Warn("dropping message from unauthorized chat")
		return
	}
	if chat.APIKey == "" {
		// Should not happen: approval requires a key. Never call the model
		// without a credential.
		log.Warn("authorized chat has no api key; dropping message")
		return
	}

	lock := p.lockFor(in.ChatID)
	lock.Lock()
	defer lock.Unlock()

	p.relay(chat, in.Text, log)
}

func (p *Pipeline) relay(chat registry.Chat, text string, log *slog.Logger) {
	turns, err := p.History.Load(chat.ChatID)
	if err != nil {
		log.Error("failed to load history", "error", err)
		p.sendFailure(chat.ChatID, log)
		return
	}

	systemPrompt := chat.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = p.SystemPrompt
	}

	userTokens := p.Tokens.Count(text)
	reserve := p.Tokens.Count(systemPrompt) + userTokens + p.ReplyHeadroom
	res := trim.Trim(turns, p.MaxContextTokens, reserve)
	if res.EvictCount > 0 {
		if err := p.History.EvictOldest(chat.ChatID, res.EvictCount); err != nil {
			log.Error("failed to evict turns", "count", res.EvictCount, "error", err)
			p.sendFailure(chat.ChatID, log)
			return
		}
		log.Info("evicted oldest turns", "count", res.EvictCount, "kept", len(res.Kept))
	}

	ind := typing.Start(p.Transport, chat.ChatID, p.typingInterval())
	// Stop is idempotent; the defer backstops the explicit stops below so no
	// exit path leaks the indicator goroutine.
	defer ind.Stop()

	// The user turn is persisted before the completion call and kept even if
	// the call fails: the next attempt should still see what the user said.
	if _, err := p.History.Append(chat.ChatID, history.RoleUser, text, userTokens); err != nil {
		ind.Stop()
		log.Error("failed to persist user turn", "error", err)
		p.sendFailure(chat.ChatID, log)
		return
	}

	answer, err := p.Completer.Complete(chat.APIKey, systemPrompt, toMessages(res.Kept), text)
	if err != nil {
		ind.Stop()
		log.Error("completion failed", "error", err)
		p.sendFailure(chat.ChatID, log)
		return
	}

	if _, err := p.History.Append(chat.ChatID, history.RoleAssistant, answer, p.Tokens.Count(answer)); err != nil {
		ind.Stop()
		log.Error("failed to persist assistant turn", "error", err)
		p.sendFailure(chat.ChatID, log)
		return
	}

	ind.Stop()
	if err := p.Transport.SendMessage(chat.ChatID, answer); err != nil {
		log.Error("failed to send reply", "error", err)
		return
	}
	log.Info("reply sent", "prompt_turns", len(res.Kept), "user_tokens", userTokens)
}

func (p *Pipeline) sendFailure(chatID int64, log *slog.Logger) {
	if err := p.Transport.SendMessage(chatID, failureReply); err != nil {
		log.Error("failed to send failure notice", "error", err)
	}
}

// lockFor returns the mutex serializing history mutations for one chat,
// creating it on first use. Unrelated chats never share a lock.
func (p *Pipeline) lockFor(chatID int64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chatLocks == nil {
		p.chatLocks = make(map[int64]*sync.Mutex)
	}
	lock, ok := p.chatLocks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		p.chatLocks[chatID] = lock
	}
	return lock
}

func (p *Pipeline) typingInterval() time.Duration {
	if p.TypingInterval > 0 {
		return p.TypingInterval
	}
	return defaultTypingInterval
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

func toMessages(turns []history.Turn) []openai.Message {
	messages := make([]openai.Message, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, openai.Message{Role: string(t.Role), Content: t.Content})
	}
	return messages
}
