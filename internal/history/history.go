package history

import (
	"database/sql"
	"fmt"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one stored message within a chat's history. Seq is strictly
// increasing per chat and defines read order.
type Turn struct {
	ChatID     int64
	Seq        int64
	Role       Role
	Content    string
	TokenCount int
}

// Store persists per-chat turn logs in SQLite.
type Store struct {
	DB *sql.DB
}

// Load returns all turns for the chat, ascending by sequence. A chat with
// no history yields an empty slice.
func (s *Store) Load(chatID int64) ([]Turn, error) {
	rows, err := s.DB.Query(
		"SELECT chat_id, seq, role, content, token_count FROM turns WHERE chat_id = ? ORDER BY seq ASC",
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for chat %d: %w", chatID, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role string
		if err := rows.Scan(&t.ChatID, &t.Seq, &role, &t.Content, &t.TokenCount); err != nil {
			return nil, fmt.Errorf("failed to scan turn for chat %d: %w", chatID, err)
		}
		t.Role = Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history for chat %d: %w", chatID, err)
	}
	return turns, nil
}

// Append assigns the next sequence number for the chat, persists the turn,
// and returns it. The sequence assignment and insert run in one transaction,
// so concurrent appends for the same chat never collide.
func (s *Store) Append(chatID int64, role Role, content string, tokenCount int) (Turn, error) {
	if tokenCount < 0 {
		panic(fmt.Sprintf("history: negative token count %d for chat %d", tokenCount, chatID))
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return Turn{}, fmt.Errorf("failed to begin append for chat %d: %w", chatID, err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE chat_id = ?", chatID,
	).Scan(&seq)
	if err != nil {
		return Turn{}, fmt.Errorf("failed to assign sequence for chat %d: %w", chatID, err)
	}

	_, err = tx.Exec(
		"INSERT INTO turns (chat_id, seq, role, content, token_count) VALUES (?, ?, ?, ?, ?)",
		chatID, seq, string(role), content, tokenCount,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("failed to append turn for chat %d: %w", chatID, err)
	}

	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("failed to commit turn for chat %d: %w", chatID, err)
	}

	return Turn{ChatID: chatID, Seq: seq, Role: role, Content: content, TokenCount: tokenCount}, nil
}

// EvictOldest deletes the count oldest turns for the chat. Asking to evict
// more turns than are stored is a programming defect and panics.
func (s *Store) EvictOldest(chatID int64, count int) error {
	if count < 0 {
		panic(fmt.Sprintf("history: negative evict count %d for chat %d", count, chatID))
	}
	if count == 0 {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin evict for chat %d: %w", chatID, err)
	}
	defer tx.Rollback()

	var stored int
	if err := tx.QueryRow("SELECT COUNT(*) FROM turns WHERE chat_id = ?", chatID).Scan(&stored); err != nil {
		return fmt.Errorf("failed to count turns for chat %d: %w", chatID, err)
	}
	if count > stored {
		panic(fmt.Sprintf("history: evict count %d exceeds %d stored turns for chat %d", count, stored, chatID))
	}

	_, err = tx.Exec(
		`DELETE FROM turns WHERE chat_id = ? AND seq IN (
			SELECT seq FROM turns WHERE chat_id = ? ORDER BY seq ASC LIMIT ?
		)`,
		chatID, chatID, count,
	)
	if err != nil {
		return fmt.Errorf("failed to evict %d turns for chat %d: %w", count, chatID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit evict for chat %d: %w", chatID, err)
	}
	return nil
}
