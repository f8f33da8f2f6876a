package bus

import "time"

// InboundMessage represents a message received from a connector (Telegram, Discord, etc.)
// Project and AgentID are optional routing hints a connector may extract
// itself, e.g. from a reply reference to an earlier agent message.
type InboundMessage struct {
	Connector  string            `json:"connector"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Project    string            `json:"project,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	Media      []MediaAttachment `json:"media,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be delivered through a connector.
type OutboundMessage struct {
	Connector string            `json:"connector"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Media     []MediaAttachment `json:"media,omitempty"`
	Buttons   []Button          `json:"buttons,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a media file travelling with a message in either direction.
type MediaAttachment struct {
	Path        string `json:"path"`                   // local file path
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "image/jpeg")
	FileName    string `json:"file_name,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Button is an inline action attached to a rich notification.
// Data is the callback payload, e.g. "control:a1b2c3:approve".
type Button struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Frame is a dashboard event broadcast to WebSocket subscribers.
type Frame struct {
	Type      string      `json:"type"` // agent_update, terminal_output, metrics_update, log, history
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// MessageHandler handles an inbound message from a connector.
type MessageHandler func(msg InboundMessage)

// Broadcaster publishes frames to dashboard subscribers.
type Broadcaster interface {
	Broadcast(frame Frame)
}

// NopBroadcaster discards frames. Used when the dashboard hub is disabled.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(Frame) {}
