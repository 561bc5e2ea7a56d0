package registry

import (
	"database/sql"
	"fmt"
)

// Chat is the durable per-chat record: authorization flag, API credential,
// optional system prompt. Empty strings stand for NULL columns.
type Chat struct {
	ChatID       int64
	IsAuthorized bool
	APIKey       string
	SystemPrompt string
}

// Registry looks up and creates chat records. The relay only ever reads
// through GetOrCreate; the Set* mutators exist for the out-of-band admin
// CLI and are never called from the message path.
type Registry struct {
	DB *sql.DB
}

// GetOrCreate returns the record for the chat, inserting a fresh
// unauthorized record on first contact.
func (r *Registry) GetOrCreate(chatID int64) (Chat, error) {
	_, err := r.DB.Exec("INSERT OR IGNORE INTO chats (chat_id) VALUES (?)", chatID)
	if err != nil {
		return Chat{}, fmt.Errorf("failed to create chat %d: %w", chatID, err)
	}
	return r.get(chatID)
}

// IsAuthorized reports whether the chat exists and has been approved.
func (r *Registry) IsAuthorized(chatID int64) (bool, error) {
	var authorized bool
	err := r.DB.QueryRow("SELECT is_authorized FROM chats WHERE chat_id = ?", chatID).Scan(&authorized)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read authorization for chat %d: %w", chatID, err)
	}
	return authorized, nil
}

// SetAuthorized flips the authorization flag. Approving a chat that has no
// API key is rejected: an authorized chat must always carry a credential.
func (r *Registry) SetAuthorized(chatID int64, authorized bool) error {
	if authorized {
		chat, err := r.get(chatID)
		if err != nil {
			return err
		}
		if chat.APIKey == "" {
			return fmt.Errorf("chat %d has no api key; set one before approving", chatID)
		}
	}
	return r.update(chatID, "is_authorized", authorized)
}

// SetAPIKey stores the chat's API credential. An empty key clears it.
func (r *Registry) SetAPIKey(chatID int64, key string) error {
	return r.update(chatID, "api_key", nullable(key))
}

// SetSystemPrompt stores the chat's system prompt. An empty prompt clears it.
func (r *Registry) SetSystemPrompt(chatID int64, prompt string) error {
	return r.update(chatID, "system_prompt", nullable(prompt))
}

// List returns all known chats ordered by id.
func (r *Registry) List() ([]Chat, error) {
	rows, err := r.DB.Query(
		"SELECT chat_id, is_authorized, api_key, system_prompt FROM chats ORDER BY chat_id ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		chat, err := scanChat(rows.Scan)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chats: %w", err)
	}
	return chats, nil
}

func (r *Registry) get(chatID int64) (Chat, error) {
	row := r.DB.QueryRow(
		"SELECT chat_id, is_authorized, api_key, system_prompt FROM chats WHERE chat_id = ?", chatID,
	)
	chat, err := scanChat(row.Scan)
	if err != nil {
		return Chat{}, fmt.Errorf("failed to read chat %d: %w", chatID, err)
	}
	return chat, nil
}

func (r *Registry) update(chatID int64, column string, value any) error {
	res, err := r.DB.Exec(
		"UPDATE chats SET "+column+" = ?, updated_at = unixepoch() WHERE chat_id = ?",
		value, chatID,
	)
	if err != nil {
		return fmt.Errorf("failed to update %s for chat %d: %w", column, chatID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s for chat %d: %w", column, chatID, err)
	}
	if affected == 0 {
		return fmt.Errorf("chat %d does not exist", chatID)
	}
	return nil
}

func scanChat(scan func(...any) error) (Chat, error) {
	var chat Chat
	var apiKey, systemPrompt sql.NullString
	if err := scan(&chat.ChatID, &chat.IsAuthorized, &apiKey, &systemPrompt); err != nil {
		return Chat{}, err
	}
	chat.APIKey = apiKey.String
	chat.SystemPrompt = systemPrompt.String
	return chat, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
