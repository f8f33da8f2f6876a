// Package telegram implements the Telegram connector via the Bot API.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/agentforge/forge/internal/bus"
	"github.com/agentforge/forge/internal/config"
	"github.com/agentforge/forge/internal/connectors"
	"github.com/agentforge/forge/internal/media"
)

// maxDownloadBytes is the Telegram Bot API file download limit.
const maxDownloadBytes int64 = 20 * 1024 * 1024

// Connector connects to Telegram using long polling.
type Connector struct {
	*connectors.Base
	bot        *telego.Bot
	token      string
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram connector from its config entry.
func New(id string, cfg config.ConnectorConfig) (*Connector, error) {
	token := cfg.Credentials["bot_token"]
	if token == "" {
		return nil, fmt.Errorf("telegram connector %s: missing bot_token", id)
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Connector{
		Base:  connectors.NewBase(id, "telegram", cfg.Settings.ChunkLimit, cfg.Settings.RatePerSec, cfg.Settings.AllowedUsers),
		bot:   bot,
		token: token,
	}, nil
}

// Start begins long polling for updates.
func (c *Connector) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "connector", c.ID(), "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed", "connector", c.ID())
					return
				}
				switch {
				case update.Message != nil:
					c.handleMessage(pollCtx, update.Message)
				case update.CallbackQuery != nil:
					c.handleCallback(pollCtx, update.CallbackQuery)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the poll goroutine to exit so
// Telegram releases the getUpdates lock.
func (c *Connector) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout", "connector", c.ID())
		}
	}
	return nil
}

func (c *Connector) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !c.IsAllowed(senderID) {
		slog.Debug("telegram message rejected by allowlist", "connector", c.ID(), "user_id", senderID)
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	attachments := c.resolveMedia(ctx, msg)
	if content == "" && len(attachments) == 0 {
		return
	}

	kind := "group"
	if msg.Chat.Type == telego.ChatTypePrivate {
		kind = "direct"
	}
	title := msg.Chat.Title
	if title == "" {
		title = senderName(msg.From)
	}
	c.TrackChannel(connectors.ChannelInfo{ID: chatID, Title: title, Kind: kind})

	c.Handle(bus.InboundMessage{
		Connector:  c.ID(),
		SenderID:   senderID,
		SenderName: senderName(msg.From),
		ChatID:     chatID,
		Content:    content,
		Media:      attachments,
		Metadata: map[string]string{
			"message_id": strconv.Itoa(msg.MessageID),
			"chat_kind":  kind,
			"chat_title": msg.Chat.Title,
		},
	})
}

// handleCallback forwards inline-button presses as inbound messages
// carrying the callback payload.
func (c *Connector) handleCallback(ctx context.Context, query *telego.CallbackQuery) {
	// Acknowledge immediately so the client stops its spinner.
	if err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: query.ID}); err != nil {
		slog.Debug("callback ack failed", "connector", c.ID(), "error", err)
	}

	senderID := strconv.FormatInt(query.From.ID, 10)
	if !c.IsAllowed(senderID) {
		return
	}

	chatID := ""
	if query.Message != nil {
		chatID = strconv.FormatInt(query.Message.GetChat().ID, 10)
	}

	c.Handle(bus.InboundMessage{
		Connector:  c.ID(),
		SenderID:   senderID,
		SenderName: senderName(&query.From),
		ChatID:     chatID,
		Content:    query.Data,
		Metadata:   map[string]string{"callback": "true"},
	})
}

// resolveMedia downloads the message's media to temp files.
func (c *Connector) resolveMedia(ctx context.Context, msg *telego.Message) []bus.MediaAttachment {
	var attachments []bus.MediaAttachment

	add := func(fileID, fileName, contentType string) {
		path, err := c.download(ctx, fileID)
		if err != nil {
			slog.Warn("telegram media download failed", "connector", c.ID(), "file_id", fileID, "error", err)
			return
		}
		if fileName == "" {
			fileName = filepath.Base(path)
		}
		attachments = append(attachments, bus.MediaAttachment{
			Path:        path,
			FileName:    fileName,
			ContentType: contentType,
		})
	}

	if len(msg.Photo) > 0 {
		// Highest resolution is last.
		add(msg.Photo[len(msg.Photo)-1].FileID, "photo.jpg", "image/jpeg")
	}
	if msg.Document != nil {
		add(msg.Document.FileID, msg.Document.FileName, msg.Document.MimeType)
	}
	if msg.Voice != nil {
		add(msg.Voice.FileID, "voice.ogg", msg.Voice.MimeType)
	}
	if msg.Audio != nil {
		add(msg.Audio.FileID, msg.Audio.FileName, msg.Audio.MimeType)
	}
	if msg.Video != nil {
		add(msg.Video.FileID, msg.Video.FileName, msg.Video.MimeType)
	}
	return attachments
}

func (c *Connector) download(ctx context.Context, fileID string) (string, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for %s", fileID)
	}
	if int64(file.FileSize) > maxDownloadBytes {
		return "", fmt.Errorf("file too large: %d bytes", file.FileSize)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
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
		return "", fmt.Errorf("save file: %w", err)
	}
	return tmp.Name(), nil
}

// SendMessage delivers text (chunked) and media to a chat.
func (c *Connector) SendMessage(ctx context.Context, channelID, text string, attachments []bus.MediaAttachment) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram connector %s not running", c.ID())
	}
	chatID, err := parseChatID(channelID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", channelID, err)
	}
	chatIDObj := tu.ID(chatID)

	for _, chunk := range connectors.Chunk(text, c.ChunkLimit()) {
		if err := c.Pace(ctx); err != nil {
			return err
		}
		if _, err := c.bot.SendMessage(ctx, tu.Message(chatIDObj, chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}

	for _, att := range attachments {
		if err := c.sendAttachment(ctx, chatIDObj, att); err != nil {
			slog.Warn("telegram attachment send failed", "connector", c.ID(), "file", att.FileName, "error", err)
		}
	}
	return nil
}

func (c *Connector) sendAttachment(ctx context.Context, chatID telego.ChatID, att bus.MediaAttachment) error {
	if err := c.Pace(ctx); err != nil {
		return err
	}
	f, err := os.Open(att.Path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	switch media.Classify(att.FileName) {
	case media.KindImage:
		params := tu.Photo(chatID, tu.File(f))
		if att.Caption != "" {
			params.Caption = att.Caption
		}
		_, err = c.bot.SendPhoto(ctx, params)
	default:
		params := tu.Document(chatID, tu.File(f))
		if att.Caption != "" {
			params.Caption = att.Caption
		}
		_, err = c.bot.SendDocument(ctx, params)
	}
	if err != nil {
		return fmt.Errorf("send attachment: %w", err)
	}
	return nil
}

// SendRich sends text with inline action buttons.
func (c *Connector) SendRich(ctx context.Context, channelID, text string, buttons []bus.Button) error {
	if len(buttons) == 0 {
		return c.SendMessage(ctx, channelID, text, nil)
	}
	if !c.IsRunning() {
		return fmt.Errorf("telegram connector %s not running", c.ID())
	}
	chatID, err := parseChatID(channelID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", channelID, err)
	}

	row := make([]telego.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tu.InlineKeyboardButton(b.Label).WithCallbackData(b.Data))
	}

	chunks := connectors.Chunk(text, c.ChunkLimit())
	for i, chunk := range chunks {
		if err := c.Pace(ctx); err != nil {
			return err
		}
		params := tu.Message(tu.ID(chatID), chunk)
		// Buttons ride on the final chunk, next to the question.
		if i == len(chunks)-1 {
			params = params.WithReplyMarkup(tu.InlineKeyboard(tu.InlineKeyboardRow(row...)))
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// ValidateChannel checks the chat is reachable by the bot.
func (c *Connector) ValidateChannel(ctx context.Context, channelID string) error {
	_, err := c.ChannelInfo(ctx, channelID)
	return err
}

// ChannelInfo fetches chat metadata.
func (c *Connector) ChannelInfo(ctx context.Context, channelID string) (connectors.ChannelInfo, error) {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return connectors.ChannelInfo{}, fmt.Errorf("invalid telegram chat id %q: %w", channelID, err)
	}
	chat, err := c.bot.GetChat(ctx, &telego.GetChatParams{ChatID: tu.ID(chatID)})
	if err != nil {
		return connectors.ChannelInfo{}, fmt.Errorf("get chat %s: %w", channelID, err)
	}

	info := connectors.ChannelInfo{ID: channelID, Title: chat.Title, Kind: "group"}
	if chat.Type == telego.ChatTypePrivate {
		info.Kind = "direct"
		if info.Title == "" {
			info.Title = chat.FirstName
		}
	}
	return info, nil
}

// ListChannels returns chats the bot has seen traffic on. The Bot API has
// no way to enumerate chats, so this is best effort.
func (c *Connector) ListChannels(_ context.Context) ([]connectors.ChannelInfo, error) {
	return c.KnownChannels(), nil
}

// HealthCheck verifies the bot token is still valid.
func (c *Connector) HealthCheck(ctx context.Context) error {
	if _, err := c.bot.GetMe(ctx); err != nil {
		return fmt.Errorf("telegram health check: %w", err)
	}
	return nil
}

func senderName(u *telego.User) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return u.FirstName
}

func parseChatID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
