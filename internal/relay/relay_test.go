package relay

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stupiduntilnot/tggpt/internal/db"
	"github.com/stupiduntilnot/tggpt/internal/history"
	"github.com/stupiduntilnot/tggpt/internal/openai"
	"github.com/stupiduntilnot/tggpt/internal/registry"
	"github.com/stupiduntilnot/tggpt/internal/token"
)

type sentMessage struct {
	chatID int64
	text   string
}

type fakeTransport struct {
	mu       sync.Mutex
	messages []sentMessage
	typing   atomic.Int64
}

func (f *fakeTransport) SendMessage(chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{chatID, text})
	return nil
}

func (f *fakeTransport) SendTyping(chatID int64) error {
	f.typing.Add(1)
	return nil
}

func (f *fakeTransport) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.messages...)
}

type fakeCompleter struct {
	mu         sync.Mutex
	reply      string
	err        error
	delay      time.Duration
	calls      int
	lastKey    string
	lastPrompt string
	lastTurns  []openai.Message
	lastUser   string
}

func (f *fakeCompleter) Complete(apiKey, systemPrompt string, turns []openai.Message, userText string) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastKey = apiKey
	f.lastPrompt = systemPrompt
	f.lastTurns = append([]openai.Message(nil), turns...)
	f.lastUser = userText
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// mapCounter returns fixed counts per exact text, zero otherwise.
type mapCounter map[string]int

func (m mapCounter) Count(text string) int { return m[text] }

func setupPipeline(t *testing.T, completer Completer, transport Transport, counter token.Counter, maxContext, headroom int) (*Pipeline, *sql.DB) {
	t.Helper()
	database, err := db.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.InitSchema(database); err != nil {
		t.Fatal(err)
	}

	return &Pipeline{
		Registry:         &registry.Registry{DB: database},
		History:          &history.Store{DB: database},
		Tokens:           counter,
		Completer:        completer,
		Transport:        transport,
		MaxContextTokens: maxContext,
		ReplyHeadroom:    headroom,
		TypingInterval:   5 * time.Millisecond,
		Log:              slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, database
}

func approveChat(t *testing.T, p *Pipeline, chatID int64) {
	t.Helper()
	if _, err := p.Registry.GetOrCreate(chatID); err != nil {
		t.Fatal(err)
	}
	if err := p.Registry.SetAPIKey(chatID, "sk-test"); err != nil {
		t.Fatal(err)
	}
	if err := p.Registry.SetAuthorized(chatID, true); err != nil {
		t.Fatal(err)
	}
}

func assertTypingStopped(t *testing.T, transport *fakeTransport, p *Pipeline) {
	t.Helper()
	before := transport.typing.Load()
	time.Sleep(4 * p.TypingInterval)
	if after := transport.typing.Load(); after != before {
		t.Errorf("typing indicator still running after handle: %d -> %d", before, after)
	}
}

func TestHandle_HappyPath(t *testing.T) {
	// Chat 42, authorized, empty history, max context 100, reserve 20
	// (5-token message + 15 headroom). Two turns appended, one reply.
	transport := &fakeTransport{}
	completer := &fakeCompleter{reply: "the reply"}
	counter := mapCounter{"hi there": 5, "the reply": 10}
	p, _ := setupPipeline(t, completer, transport, counter, 100, 15)
	approveChat(t, p, 42)

	p.Handle(Inbound{ChatID: 42, Text: "hi there"})

	turns, err := p.History.Load(42)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Seq != 1 || turns[0].Role != history.RoleUser || turns[0].TokenCount != 5 {
		t.Errorf("unexpected user turn: %+v", turns[0])
	}
	if turns[1].Seq != 2 || turns[1].Role != history.RoleAssistant || turns[1].TokenCount != 10 {
		t.Errorf("unexpected assistant turn: %+v", turns[1])
	}

	sent := transport.sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly 1 reply, got %d", len(sent))
	}
	if sent[0].chatID != 42 || sent[0].text != "the reply" {
		t.Errorf("unexpected reply: %+v", sent[0])
	}

	if completer.callCount() != 1 {
		t.Errorf("expected 1 completion call, got %d", completer.callCount())
	}
	if completer.lastKey != "sk-test" {
		t.Errorf("expected chat's api key, got %q", completer.lastKey)
	}
	if completer.lastUser != "hi there" {
		t.Errorf("expected user text forwarded, got %q", completer.lastUser)
	}

	if transport.typing.Load() == 0 {
		t.Error("expected at least one typing signal")
	}
	assertTypingStopped(t, transport, p)
}

func TestHandle_Unauthorized(t *testing.T) {
	transport := &fakeTransport{}
	completer := &fakeCompleter{reply: "never"}
	p, _ := setupPipeline(t, completer, transport, mapCounter{}, 100, 10)

	p.Handle(Inbound{ChatID: 42, Text: "let me in"})

	if got := transport.sent(); len(got) != 0 {
		t.Errorf("unauthorized chat must get no reply, got %v", got)
	}
	if completer.callCount() != 0 {
		t.Error("completion service must not be called for unauthorized chats")
	}
	turns, _ := p.History.Load(42)
	if len(turns) != 0 {
		t.Errorf("no turns may be appended for unauthorized chats, got %d", len(turns))
	}

	// The chat record is still created so an operator can approve it later.
	chat, err := p.Registry.GetOrCreate(42)
	if err != nil {
		t.Fatal(err)
	}
	if chat.IsAuthorized {
		t.Error("chat must remain unauthorized")
	}
}

func TestHandle_NonText(t *testing.T) {
	transport := &fakeTransport{}
	completer := &fakeCompleter{}
	p, _ := setupPipeline(t, completer, transport, mapCounter{}, 100, 10)
	approveChat(t, p, 42)

	p.Handle(Inbound{ChatID: 42, NonText: true})

	sent := transport.sent()
	if len(sent) != 1 {
		t.Fatalf("expected the non-text prompt, got %d messages", len(sent))
	}
	if sent[0].text != nonTextReply {
		t.Errorf("unexpected reply %q", sent[0].text)
	}
	if completer.callCount() != 0 {
		t.Error("completion service must not be called for non-text input")
	}
	turns, _ := p.History.Load(42)
	if len(turns) != 0 {
		t.Errorf("non-text input must not mutate history, got %d turns", len(turns))
	}
}

func TestHandle_CompletionFailure(t *testing.T) {
	transport := &fakeTransport{}
	completer := &fakeCompleter{err: errors.New("service unavailable")}
	counter := mapCounter{"hi there": 5}
	p, _ := setupPipeline(t, completer, transport, counter, 100, 10)
	approveChat(t, p, 42)

	p.Handle(Inbound{ChatID: 42, Text: "hi there"})

	sent := transport.sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly 1 failure notice, got %d messages", len(sent))
	}
	if sent[0].text != failureReply {
		t.Errorf("unexpected reply %q", sent[0].text)
	}

	// The user turn stays for the next attempt's context.
	turns, err := p.History.Load(42)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected the dangling user turn, got %d turns", len(turns))
	}
	if turns[0].Role != history.RoleUser || turns[0].Content != "hi there" {
		t.Errorf("unexpected dangling turn: %+v", turns[0])
	}

	assertTypingStopped(t, transport, p)
}

func TestHandle_StorageFailure(t *testing.T) {
	transport := &fakeTransport{}
	completer := &fakeCompleter{reply: "never"}
	p, database := setupPipeline(t, completer, transport, mapCounter{}, 100, 10)
	approveChat(t, p, 42)

	database.Close()

	p.Handle(Inbound{ChatID: 42, Text: "hi there"})

	sent := transport.sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly 1 failure notice, got %d messages", len(sent))
	}
	if sent[0].text != failureReply {
		t.Errorf("unexpected reply %q", sent[0].text)
	}
	if completer.callCount() != 0 {
		t.Error("completion service must not be called when storage fails")
	}
}

func TestHandle_EvictsBeforeCalling(t *testing.T) {
	// Ten stored turns of 10 tokens each; budget after reserve is 40, so the
	// newest 4 survive and 6 are evicted. The new exchange then lands on top.
	transport := &fakeTransport{}
	completer := &fakeCompleter{reply: "reply"}
	counter := mapCounter{"new message": 5, "reply": 3}
	p, _ := setupPipeline(t, completer, transport, counter, 50, 5)
	approveChat(t, p, 42)

	for i := 0; i < 10; i++ {
		role := history.RoleUser
		if i%2 == 1 {
			role = history.RoleAssistant
		}
		if _, err := p.History.Append(42, role, fmt.Sprintf("old %d", i+1), 10); err != nil {
			t.Fatal(err)
		}
	}

	p.Handle(Inbound{ChatID: 42, Text: "new message"})

	turns, err := p.History.Load(42)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 6 {
		t.Fatalf("expected 4 kept + 2 new turns, got %d", len(turns))
	}
	if turns[0].Seq != 7 {
		t.Errorf("expected oldest surviving turn at seq 7, got %d", turns[0].Seq)
	}
	if turns[5].Role != history.RoleAssistant || turns[5].Content != "reply" {
		t.Errorf("unexpected newest turn: %+v", turns[5])
	}

	// The completion call saw exactly the kept turns.
	if len(completer.lastTurns) != 4 {
		t.Fatalf("expected 4 prior turns in the completion call, got %d", len(completer.lastTurns))
	}
	if completer.lastTurns[0].Content != "old 7" {
		t.Errorf("expected kept turns to start at 'old 7', got %q", completer.lastTurns[0].Content)
	}
}

func TestHandle_ChatPromptOverridesDefault(t *testing.T) {
	transport := &fakeTransport{}
	completer := &fakeCompleter{reply: "ok"}
	p, _ := setupPipeline(t, completer, transport, mapCounter{}, 100, 10)
	p.SystemPrompt = "default prompt"
	approveChat(t, p, 42)
	approveChat(t, p, 7)
	if err := p.Registry.SetSystemPrompt(42, "custom prompt"); err != nil {
		t.Fatal(err)
	}

	p.Handle(Inbound{ChatID: 42, Text: "hello"})
	if completer.lastPrompt != "custom prompt" {
		t.Errorf("expected the chat's own prompt, got %q", completer.lastPrompt)
	}

	p.Handle(Inbound{ChatID: 7, Text: "hello"})
	if completer.lastPrompt != "default prompt" {
		t.Errorf("expected the process default prompt, got %q", completer.lastPrompt)
	}
}

func TestHandle_ConcurrentSameChat(t *testing.T) {
	transport := &fakeTransport{}
	completer := &fakeCompleter{reply: "reply", delay: 10 * time.Millisecond}
	p, _ := setupPipeline(t, completer, transport, mapCounter{}, 100000, 10)
	approveChat(t, p, 42)

	const messages = 5
	var wg sync.WaitGroup
	for i := 0; i < messages; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.Handle(Inbound{ChatID: 42, Text: fmt.Sprintf("message %d", i)})
		}(i)
	}
	wg.Wait()

	turns, err := p.History.Load(42)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != messages*2 {
		t.Fatalf("expected %d turns, got %d", messages*2, len(turns))
	}

	seen := make(map[int64]bool)
	for i, turn := range turns {
		if seen[turn.Seq] {
			t.Errorf("duplicate sequence %d", turn.Seq)
		}
		seen[turn.Seq] = true
		// Exchanges never interleave: user and assistant turns alternate.
		wantRole := history.RoleUser
		if i%2 == 1 {
			wantRole = history.RoleAssistant
		}
		if turn.Role != wantRole {
			t.Errorf("turn %d: expected role %s, got %s", i, wantRole, turn.Role)
		}
	}
	for seq := int64(1); seq <= messages*2; seq++ {
		if !seen[seq] {
			t.Errorf("missing sequence %d", seq)
		}
	}

	if got := len(transport.sent()); got != messages {
		t.Errorf("expected %d replies, got %d", messages, got)
	}
}

func TestHandle_TrimIsStableAcrossInvocations(t *testing.T) {
	// A second message after an eviction must not evict again when nothing
	// new pushed the history over budget.
	transport := &fakeTransport{}
	completer := &fakeCompleter{reply: "r"}
	p, _ := setupPipeline(t, completer, transport, mapCounter{}, 100, 0)
	approveChat(t, p, 42)

	for i := 0; i < 6; i++ {
		if _, err := p.History.Append(42, history.RoleUser, fmt.Sprintf("old %d", i+1), 30); err != nil {
			t.Fatal(err)
		}
	}

	p.Handle(Inbound{ChatID: 42, Text: "first"})
	afterFirst, _ := p.History.Load(42)

	p.Handle(Inbound{ChatID: 42, Text: "second"})
	afterSecond, _ := p.History.Load(42)

	// Both new exchanges cost 0 tokens, so the second pass fits entirely.
	if len(afterSecond) != len(afterFirst)+2 {
		t.Errorf("expected no further eviction: %d then %d turns", len(afterFirst), len(afterSecond))
	}
}
