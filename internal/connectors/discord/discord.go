// Package discord implements the Discord connector via gateway events.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/agentforge/forge/internal/bus"
	"github.com/agentforge/forge/internal/config"
	"github.com/agentforge/forge/internal/connectors"
)

// discordChunkLimit is the Discord message length cap.
const discordChunkLimit = 2000

const maxDownloadBytes int64 = 20 * 1024 * 1024

// Connector connects to Discord using the gateway.
type Connector struct {
	*connectors.Base
	session   *discordgo.Session
	botUserID string // populated on start
}

// New creates a Discord connector from its config entry.
func New(id string, cfg config.ConnectorConfig) (*Connector, error) {
	token := cfg.Credentials["bot_token"]
	if token == "" {
		return nil, fmt.Errorf("discord connector %s: missing bot_token", id)
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	limit := cfg.Settings.ChunkLimit
	if limit <= 0 || limit > discordChunkLimit {
		limit = discordChunkLimit
	}

	return &Connector{
		Base:    connectors.NewBase(id, "discord", limit, cfg.Settings.RatePerSec, cfg.Settings.AllowedUsers),
		session: session,
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Connector) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "connector", c.ID(), "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Connector) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Connector) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	if !c.IsAllowed(senderID) {
		slog.Debug("discord message rejected by allowlist", "connector", c.ID(), "user_id", senderID)
		return
	}

	attachments := c.downloadAttachments(m)
	if m.Content == "" && len(attachments) == 0 {
		return
	}

	kind := "group"
	if m.GuildID == "" {
		kind = "direct"
	}
	c.TrackChannel(connectors.ChannelInfo{ID: m.ChannelID, Title: resolveDisplayName(m), Kind: kind})

	c.Handle(bus.InboundMessage{
		Connector:  c.ID(),
		SenderID:   senderID,
		SenderName: resolveDisplayName(m),
		ChatID:     m.ChannelID,
		Content:    m.Content,
		Media:      attachments,
		Metadata: map[string]string{
			"message_id": m.ID,
			"guild_id":   m.GuildID,
			"chat_kind":  kind,
		},
	})
}

// downloadAttachments fetches message attachments to temp files.
func (c *Connector) downloadAttachments(m *discordgo.MessageCreate) []bus.MediaAttachment {
	var out []bus.MediaAttachment
	for _, att := range m.Attachments {
		path, err := downloadURL(att.URL, att.Filename)
		if err != nil {
			slog.Warn("discord attachment download failed", "connector", c.ID(), "file", att.Filename, "error", err)
			continue
		}
		out = append(out, bus.MediaAttachment{
			Path:        path,
			FileName:    att.Filename,
			ContentType: att.ContentType,
		})
	}
	return out
}

func downloadURL(url, name string) (string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".bin"
	}
	tmp, err := os.CreateTemp("", "forge_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, io.LimitReader(resp.Body, maxDownloadBytes)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save attachment: %w", err)
	}
	return tmp.Name(), nil
}

// SendMessage delivers text (chunked to Discord's 2000-char cap) and files.
func (c *Connector) SendMessage(ctx context.Context, channelID, text string, attachments []bus.MediaAttachment) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord connector %s not running", c.ID())
	}

	for _, chunk := range connectors.Chunk(text, c.ChunkLimit()) {
		if err := c.Pace(ctx); err != nil {
			return err
		}
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}

	for _, att := range attachments {
		if err := c.sendAttachment(ctx, channelID, att); err != nil {
			slog.Warn("discord attachment send failed", "connector", c.ID(), "file", att.FileName, "error", err)
		}
	}
	return nil
}

func (c *Connector) sendAttachment(ctx context.Context, channelID string, att bus.MediaAttachment) error {
	if err := c.Pace(ctx); err != nil {
		return err
	}
	f, err := os.Open(att.Path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	name := att.FileName
	if name == "" {
		name = filepath.Base(att.Path)
	}
	_, err = c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: att.Caption,
		Files:   []*discordgo.File{{Name: name, Reader: f}},
	})
	if err != nil {
		return fmt.Errorf("send attachment: %w", err)
	}
	return nil
}

// SendRich sends text with the button actions rendered as a command hint.
// Discord interaction components need an application command setup this
// connector does not carry, so buttons degrade to text.
func (c *Connector) SendRich(ctx context.Context, channelID, text string, buttons []bus.Button) error {
	if len(buttons) > 0 {
		labels := make([]string, 0, len(buttons))
		for _, b := range buttons {
			labels = append(labels, b.Label)
		}
		text = text + "\n\nActions: " + strings.Join(labels, " | ")
	}
	return c.SendMessage(ctx, channelID, text, nil)
}

// ValidateChannel checks the channel is reachable by the bot.
func (c *Connector) ValidateChannel(ctx context.Context, channelID string) error {
	_, err := c.ChannelInfo(ctx, channelID)
	return err
}

// ChannelInfo fetches channel metadata.
func (c *Connector) ChannelInfo(_ context.Context, channelID string) (connectors.ChannelInfo, error) {
	ch, err := c.session.Channel(channelID)
	if err != nil {
		return connectors.ChannelInfo{}, fmt.Errorf("get channel %s: %w", channelID, err)
	}

	info := connectors.ChannelInfo{ID: channelID, Title: ch.Name, Kind: "group"}
	if ch.Type == discordgo.ChannelTypeDM {
		info.Kind = "direct"
	}
	return info, nil
}

// ListChannels enumerates text channels the bot can post to across its
// guilds. Falls back to channels seen on inbound traffic when the guild
// state is not yet populated.
func (c *Connector) ListChannels(_ context.Context) ([]connectors.ChannelInfo, error) {
	if c.session.State == nil || len(c.session.State.Guilds) == 0 {
		return c.KnownChannels(), nil
	}

	var out []connectors.ChannelInfo
	for _, guild := range c.session.State.Guilds {
		for _, ch := range guild.Channels {
			if ch.Type != discordgo.ChannelTypeGuildText {
				continue
			}
			perms, err := c.session.State.UserChannelPermissions(c.botUserID, ch.ID)
			if err != nil || perms&discordgo.PermissionSendMessages == 0 {
				continue
			}
			out = append(out, connectors.ChannelInfo{
				ID:    ch.ID,
				Title: guild.Name + " / " + ch.Name,
				Kind:  "group",
			})
		}
	}
	return out, nil
}

// HealthCheck verifies the gateway session is usable.
func (c *Connector) HealthCheck(_ context.Context) error {
	if _, err := c.session.User("@me"); err != nil {
		return fmt.Errorf("discord health check: %w", err)
	}
	return nil
}

// resolveDisplayName returns the best available name for a message author.
// Priority: server nickname, then global display name, then username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
