package conversations

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/claude/llm"
	"github.com/aschepis/backscratcher/claude/migrations"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "conversations.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := migrations.Run(db, zerolog.Nop()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	store := NewStore(db)
	tick := time.Unix(1700000000, 0)
	store.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return store
}

func TestAppendAndLoadMessages(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	history := []llm.Message{
		llm.NewTextMessage(llm.RoleUser, "What is the weather in Paris?"),
		{Role: llm.RoleAssistant, Content: []llm.ContentBlock{
			llm.NewTextBlock("Let me check."),
			llm.NewToolUseBlock("toolu_1", "get_weather", map[string]any{"city": "Paris"}),
		}},
		{Role: llm.RoleUser, Content: []llm.ContentBlock{llm.NewToolResultBlock("toolu_1", "18C and sunny", false)}},
	}
	for _, msg := range history {
		if err := store.AppendMessage(ctx, "s1", msg); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
	if err := store.AppendMessage(ctx, "other", llm.NewTextMessage(llm.RoleUser, "unrelated")); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	got, err := store.LoadMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	if diff := cmp.Diff(history, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Loaded history differs (-want +got):\n%s", diff)
	}
}

func TestAppendResponseStoresUsage(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	resp := &llm.Response{
		ID:         "msg_01",
		Model:      "claude-sonnet-4-20250514",
		Content:    []llm.ContentBlock{llm.NewTextBlock("Hello!")},
		StopReason: llm.StopReasonEndTurn,
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5, CacheReadInputTokens: 7},
	}
	for range 2 {
		if err := store.AppendResponse(ctx, "s1", resp); err != nil {
			t.Fatalf("AppendResponse failed: %v", err)
		}
	}

	usage, err := store.Usage(ctx, "s1")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	want := llm.Usage{InputTokens: 20, OutputTokens: 10, CacheReadInputTokens: 14}
	if usage != want {
		t.Errorf("Expected usage %+v, got %+v", want, usage)
	}

	messages, err := store.LoadMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	if len(messages) != 2 || messages[0].Role != llm.RoleAssistant || messages[0].Text() != "Hello!" {
		t.Errorf("Unexpected stored responses %+v", messages)
	}
}

func TestUnknownBlocksSurviveStorage(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var block llm.ContentBlock
	raw := `{"type":"thinking","thinking":"hmm","signature":"abc"}`
	if err := block.UnmarshalJSON([]byte(raw)); err != nil {
		t.Fatalf("UnmarshalJSON failed: %v", err)
	}
	msg := llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentBlock{block, llm.NewTextBlock("done")}}
	if err := store.AppendMessage(ctx, "s1", msg); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	got, err := store.LoadMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	if len(got) != 1 || len(got[0].Content) != 2 {
		t.Fatalf("Unexpected messages %+v", got)
	}
	if got[0].Content[0].IsKnown() || got[0].Content[0].Type != "thinking" {
		t.Errorf("Expected unknown thinking block, got %+v", got[0].Content[0])
	}
}

func TestAppendExchange(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	prompt := llm.NewTextMessage(llm.RoleUser, "Hello?")
	resp := &llm.Response{
		ID:         "msg_01",
		Model:      "claude-sonnet-4-20250514",
		Content:    []llm.ContentBlock{llm.NewTextBlock("Hi there.")},
		StopReason: llm.StopReasonEndTurn,
		Usage:      llm.Usage{InputTokens: 3, OutputTokens: 4},
	}
	if err := store.AppendExchange(ctx, "s1", prompt, resp); err != nil {
		t.Fatalf("AppendExchange failed: %v", err)
	}

	messages, err := store.LoadMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	want := []llm.Message{prompt, resp.Message()}
	if diff := cmp.Diff(want, messages, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Stored exchange differs (-want +got):\n%s", diff)
	}
	usage, err := store.Usage(ctx, "s1")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if usage != resp.Usage {
		t.Errorf("Expected usage %+v, got %+v", resp.Usage, usage)
	}
}

func TestAppendExchangeIsAtomic(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx, `CREATE TRIGGER reject_assistant BEFORE INSERT ON conversations
		WHEN NEW.role = 'assistant' BEGIN SELECT RAISE(ABORT, 'assistant rows rejected'); END`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	resp := &llm.Response{Content: []llm.ContentBlock{llm.NewTextBlock("lost")}}
	if err := store.AppendExchange(ctx, "s1", llm.NewTextMessage(llm.RoleUser, "Hello?"), resp); err == nil {
		t.Fatal("Expected AppendExchange to fail")
	}
	if err := store.AppendExchange(ctx, "s1", llm.NewTextMessage(llm.RoleUser, "Hello?"), nil); err == nil {
		t.Error("Expected nil response to be rejected")
	}

	messages, err := store.LoadMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("Expected the prompt to be rolled back, got %+v", messages)
	}
}

func TestAppendMessageRejects(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.AppendMessage(ctx, "", llm.NewTextMessage(llm.RoleUser, "hi")); !errors.Is(err, ErrEmptySession) {
		t.Errorf("Expected ErrEmptySession, got %v", err)
	}
	if err := store.AppendMessage(ctx, "s1", llm.NewTextMessage(llm.RoleSystem, "be brief")); err == nil {
		t.Error("Expected system role to be rejected")
	}
	if err := store.AppendResponse(ctx, "s1", nil); err == nil {
		t.Error("Expected nil response to be rejected")
	}
}

func TestLoadMessagesUnknownSession(t *testing.T) {
	store := setupTestStore(t)

	messages, err := store.LoadMessages(context.Background(), "missing")
	if err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("Expected no messages, got %d", len(messages))
	}
}

func TestListAndDeleteSessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "a"} {
		if err := store.AppendMessage(ctx, id, llm.NewTextMessage(llm.RoleUser, "hi")); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	// "a" was touched last
	if sessions[0].ID != "a" || sessions[0].Messages != 2 {
		t.Errorf("Expected session a with 2 messages first, got %+v", sessions[0])
	}
	if !sessions[0].UpdatedAt.After(sessions[0].StartedAt) {
		t.Errorf("Expected UpdatedAt after StartedAt, got %+v", sessions[0])
	}

	deleted, err := store.DeleteSession(ctx, "a")
	if err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted messages, got %d", deleted)
	}

	sessions, err = store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "b" {
		t.Errorf("Expected only session b to remain, got %+v", sessions)
	}
}
