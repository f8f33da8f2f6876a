package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is one row of the audit log.
type Event struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	Project   string          `json:"project_name,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventFilter narrows an event query. Zero values are ignored.
type EventFilter struct {
	AgentID string
	Project string
	Type    string
}

// RecordEvent appends an event. Payload may be nil.
func (s *Store) RecordEvent(agentID, project, eventType string, payload interface{}) error {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO events (agent_id, project_name, event_type, payload, created_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		agentID, project, eventType, string(raw),
	)
	if err != nil {
		return fmt.Errorf("record event %s: %w", eventType, err)
	}
	return nil
}

// Events returns the most recent events matching the filter, newest first.
func (s *Store) Events(filter EventFilter, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, timestamp, agent_id, project_name, event_type, payload
	          FROM events WHERE 1=1`
	var args []interface{}
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.Project != "" {
		query += " AND project_name = ?"
		args = append(args, filter.Project)
	}
	if filter.Type != "" {
		query += " AND event_type = ?"
		args = append(args, filter.Type)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			ts      string
			payload string
		)
		if err := rows.Scan(&e.ID, &ts, &e.AgentID, &e.Project, &e.Type, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = parseDBTime(ts)
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// parseDBTime handles the formats SQLite hands back for DATETIME columns.
func parseDBTime(v string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
