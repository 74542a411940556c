package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/claude/llm"
)

const table = "conversations"

// ErrEmptySession is returned when a session id is blank.
var ErrEmptySession = errors.New("session id is required")

// Session summarizes one stored conversation.
type Session struct {
	ID        string
	Messages  int
	StartedAt time.Time
	UpdatedAt time.Time
}

// Store persists CLI conversation transcripts in SQLite. The schema is
// created by migrations.Run.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NewStore creates a new Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// AppendMessage saves msg at the end of the session's history.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg llm.Message) error {
	return s.insert(ctx, s.db, sessionID, msg, nil)
}

// AppendResponse saves an assistant reply along with its model, stop reason
// and token usage.
func (s *Store) AppendResponse(ctx context.Context, sessionID string, resp *llm.Response) error {
	if resp == nil {
		return fmt.Errorf("response is required")
	}
	return s.insert(ctx, s.db, sessionID, resp.Message(), resp)
}

// AppendExchange saves a prompt and the reply to it in a single transaction.
// On failure neither is stored.
func (s *Store) AppendExchange(ctx context.Context, sessionID string, prompt llm.Message, resp *llm.Response) error {
	if resp == nil {
		return fmt.Errorf("response is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No remedy for rollback errors

	if err := s.insert(ctx, tx, sessionID, prompt, nil); err != nil {
		return err
	}
	if err := s.insert(ctx, tx, sessionID, resp.Message(), resp); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit exchange: %w", err)
	}
	return nil
}

func (s *Store) insert(ctx context.Context, ex execer, sessionID string, msg llm.Message, resp *llm.Response) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	if msg.Role != llm.RoleUser && msg.Role != llm.RoleAssistant {
		return fmt.Errorf("cannot store message with role %q", msg.Role)
	}

	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}

	columns := []string{"session_id", "role", "content", "created_at"}
	values := []any{sessionID, string(msg.Role), string(content), s.now().UnixNano()}
	if resp != nil {
		columns = append(columns, "model", "stop_reason", "input_tokens", "output_tokens",
			"cache_creation_input_tokens", "cache_read_input_tokens")
		values = append(values, resp.Model, string(resp.StopReason), resp.Usage.InputTokens, resp.Usage.OutputTokens,
			resp.Usage.CacheCreationInputTokens, resp.Usage.CacheReadInputTokens)
	}

	queryStr, args, err := sq.Insert(table).Columns(columns...).Values(values...).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := ex.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// LoadMessages returns the session's history in insertion order, ready to be
// sent as Request.Messages. An unknown session yields no messages.
func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	if sessionID == "" {
		return nil, ErrEmptySession
	}

	queryStr, args, err := sq.Select("role", "content").
		From(table).
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck // No remedy for rows close errors

	var messages []llm.Message
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg := llm.Message{Role: llm.MessageRole(role)}
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("decode stored content: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// Usage returns the token usage summed over every stored response of the
// session.
func (s *Store) Usage(ctx context.Context, sessionID string) (llm.Usage, error) {
	var usage llm.Usage
	if sessionID == "" {
		return usage, ErrEmptySession
	}

	queryStr, args, err := sq.Select(
		"COALESCE(SUM(input_tokens), 0)",
		"COALESCE(SUM(output_tokens), 0)",
		"COALESCE(SUM(cache_creation_input_tokens), 0)",
		"COALESCE(SUM(cache_read_input_tokens), 0)",
	).
		From(table).
		Where(sq.Eq{"session_id": sessionID}).
		ToSql()
	if err != nil {
		return usage, fmt.Errorf("build query: %w", err)
	}

	err = s.db.QueryRowContext(ctx, queryStr, args...).Scan(
		&usage.InputTokens, &usage.OutputTokens, &usage.CacheCreationInputTokens, &usage.CacheReadInputTokens)
	if err != nil {
		return usage, fmt.Errorf("query usage: %w", err)
	}
	return usage, nil
}

// ListSessions returns every stored session, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	queryStr, args, err := sq.Select("session_id", "COUNT(*)", "MIN(created_at)", "MAX(created_at)").
		From(table).
		GroupBy("session_id").
		OrderBy("MAX(created_at) DESC", "session_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // No remedy for rows close errors

	var sessions []Session
	for rows.Next() {
		var sess Session
		var started, updated int64
		if err := rows.Scan(&sess.ID, &sess.Messages, &started, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartedAt = time.Unix(0, started)
		sess.UpdatedAt = time.Unix(0, updated)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes the session's history and reports how many messages
// were deleted.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, ErrEmptySession
	}

	queryStr, args, err := sq.Delete(table).Where(sq.Eq{"session_id": sessionID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	return res.RowsAffected()
}
