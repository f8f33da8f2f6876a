package store

import (
	"fmt"
	"time"
)

// KnownChat is a chat a connector has seen traffic from.
type KnownChat struct {
	Connector string    `json:"connector"`
	ChatID    string    `json:"chat_id"`
	Title     string    `json:"title,omitempty"`
	Kind      string    `json:"kind,omitempty"` // "direct", "group"
	LastSeen  time.Time `json:"last_seen"`
}

// RememberChat upserts a chat sighting, refreshing last_seen.
func (s *Store) RememberChat(chat KnownChat) error {
	_, err := s.db.Exec(
		`INSERT INTO known_chats (connector, chat_id, title, kind, last_seen)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(connector, chat_id) DO UPDATE SET
		   title=excluded.title, kind=excluded.kind, last_seen=CURRENT_TIMESTAMP`,
		chat.Connector, chat.ChatID, chat.Title, chat.Kind,
	)
	if err != nil {
		return fmt.Errorf("remember chat %s/%s: %w", chat.Connector, chat.ChatID, err)
	}
	return nil
}

// KnownChats lists remembered chats, most recently seen first.
func (s *Store) KnownChats(connector string) ([]KnownChat, error) {
	query := `SELECT connector, chat_id, title, kind, last_seen FROM known_chats`
	var args []interface{}
	if connector != "" {
		query += " WHERE connector = ?"
		args = append(args, connector)
	}
	query += " ORDER BY last_seen DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query known chats: %w", err)
	}
	defer rows.Close()

	var chats []KnownChat
	for rows.Next() {
		var (
			chat KnownChat
			seen string
		)
		if err := rows.Scan(&chat.Connector, &chat.ChatID, &chat.Title, &chat.Kind, &seen); err != nil {
			return nil, fmt.Errorf("scan known chat: %w", err)
		}
		chat.LastSeen = parseDBTime(seen)
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}
