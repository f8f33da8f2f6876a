// Package connectors defines the chat-platform connector contract and the
// shared behavior every platform adapter embeds.
package connectors

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/agentforge/forge/internal/bus"
)

// DefaultChunkLimit is the per-message size budget when a platform does
// not declare its own.
const DefaultChunkLimit = 4096

// ChannelInfo describes a chat channel as the platform reports it.
type ChannelInfo struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Kind  string `json:"kind,omitempty"` // "direct", "group"
}

// Connector is a chat-platform adapter. Implementations deliver inbound
// messages through the handler registered with SetHandler and accept
// outbound sends, chunking to platform limits themselves.
type Connector interface {
	ID() string
	Kind() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendMessage(ctx context.Context, channelID, text string, media []bus.MediaAttachment) error
	SendRich(ctx context.Context, channelID, text string, buttons []bus.Button) error
	ValidateChannel(ctx context.Context, channelID string) error
	ChannelInfo(ctx context.Context, channelID string) (ChannelInfo, error)
	ListChannels(ctx context.Context) ([]ChannelInfo, error)
	HealthCheck(ctx context.Context) error
	SetHandler(handler bus.MessageHandler)
	IsRunning() bool
}

// Base carries the state common to all connectors. Embed by pointer.
type Base struct {
	id         string
	kind       string
	chunkLimit int

	mu      sync.RWMutex
	running bool
	handler bus.MessageHandler
	allowed map[string]bool
	known   map[string]ChannelInfo

	limiter *rate.Limiter
}

// NewBase creates connector base state. ratePerSec <= 0 disables pacing.
func NewBase(id, kind string, chunkLimit int, ratePerSec float64, allowedUsers []string) *Base {
	if chunkLimit <= 0 {
		chunkLimit = DefaultChunkLimit
	}

	var allowed map[string]bool
	if len(allowedUsers) > 0 {
		allowed = make(map[string]bool, len(allowedUsers))
		for _, u := range allowedUsers {
			allowed[u] = true
		}
	}

	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}

	return &Base{
		id:         id,
		kind:       kind,
		chunkLimit: chunkLimit,
		allowed:    allowed,
		known:      make(map[string]ChannelInfo),
		limiter:    limiter,
	}
}

// ID returns the connector instance id from config.
func (b *Base) ID() string { return b.id }

// Kind returns the platform type ("telegram", "discord").
func (b *Base) Kind() string { return b.kind }

// ChunkLimit returns the outbound message size budget.
func (b *Base) ChunkLimit() int { return b.chunkLimit }

// SetRunning flips the running flag.
func (b *Base) SetRunning(running bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = running
}

// IsRunning reports whether the connector is started.
func (b *Base) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// SetHandler registers the inbound message handler.
func (b *Base) SetHandler(handler bus.MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// Handle dispatches an inbound message to the registered handler.
func (b *Base) Handle(msg bus.InboundMessage) {
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

// IsAllowed checks the sender against the allowlist. An empty allowlist
// admits everyone.
func (b *Base) IsAllowed(senderID string) bool {
	if b.allowed == nil {
		return true
	}
	return b.allowed[senderID]
}

// TrackChannel records a channel the connector has seen traffic on.
// Platforms whose API cannot enumerate chats serve ListChannels from this.
func (b *Base) TrackChannel(info ChannelInfo) {
	if info.ID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.known[info.ID] = info
}

// KnownChannels returns the channels seen so far, sorted by id.
func (b *Base) KnownChannels() []ChannelInfo {
	b.mu.RLock()
	out := make([]ChannelInfo, 0, len(b.known))
	for _, info := range b.known {
		out = append(out, info)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pace blocks until the outbound rate limiter admits another send.
func (b *Base) Pace(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}
