// Package telegram is the Telegram adapter, built on the Bot API's
// long polling via telego.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
)

// pollTimeoutSec is the Bot API long-poll bound in seconds.
const pollTimeoutSec = 30

// Config parameterizes one Telegram account.
type Config struct {
	Token string
	Proxy string
	// RequireMention gates group messages on an @mention of the bot.
	RequireMention bool
}

// Adapter implements channels.Adapter over the Telegram Bot API.
type Adapter struct {
	cfg      Config
	bot      *telego.Bot
	username string
	offset   int64
}

// New creates the adapter. The bot token is validated on Start, not here.
func New(cfg Config) (*Adapter, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}
	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{cfg: cfg, bot: bot}, nil
}

func (a *Adapter) Name() string { return "telegram" }

// Start verifies the token and learns the bot's username for mention
// detection.
func (a *Adapter) Start(ctx context.Context) error {
	me, err := a.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	a.username = me.Username
	slog.Info("telegram bot connected", "username", me.Username)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error { return nil }

// Poll long-polls getUpdates. The cursor is the next update offset, so
// a restart resumes where the persisted cursor left off.
func (a *Adapter) Poll(ctx context.Context) (channels.Batch, error) {
	updates, err := a.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:         int(a.offset),
		Timeout:        pollTimeoutSec,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return channels.Batch{}, fmt.Errorf("telegram getUpdates: %w", err)
	}

	batch := channels.Batch{}
	for _, u := range updates {
		if u.UpdateID >= int(a.offset) {
			a.offset = int64(u.UpdateID) + 1
		}
		if u.Message == nil {
			continue
		}
		batch.Events = append(batch.Events, a.toEvent(u.Message))
	}
	batch.Cursor = strconv.FormatInt(a.offset, 10)
	return batch, nil
}

// SetCursor restores the update offset from a persisted cursor.
func (a *Adapter) SetCursor(cursor string) {
	if cursor == "" {
		return
	}
	if off, err := strconv.ParseInt(cursor, 10, 64); err == nil {
		a.offset = off
	}
}

func (a *Adapter) toEvent(msg *telego.Message) channels.Event {
	group := msg.Chat.Type != telego.ChatTypePrivate

	senderID := ""
	senderName := ""
	isOwn := false
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
		if msg.From.Username != "" {
			senderID += "|" + msg.From.Username
		}
		senderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		isOwn = msg.From.Username != "" && msg.From.Username == a.username
	}

	body := msg.Text
	if body == "" {
		body = msg.Caption
	}

	threadID := ""
	if msg.MessageThreadID != 0 {
		threadID = strconv.Itoa(msg.MessageThreadID)
	}

	return channels.Event{
		ChannelID:    "telegram",
		RoomID:       strconv.FormatInt(msg.Chat.ID, 10),
		ThreadID:     threadID,
		EventID:      strconv.Itoa(msg.MessageID),
		SenderID:     senderID,
		SenderName:   senderName,
		Body:         body,
		TimestampMs:  msg.Date * 1000,
		IsOwnMessage: isOwn,
		Group:        group,
		Mentioned:    !group || !a.cfg.RequireMention || a.mentioned(msg),
		Notice:       msg.ViaBot != nil,
	}
}

// mentioned reports whether the message addresses the bot: an
// @username mention, a reply to one of the bot's messages, or a /cmd
// directed at it.
func (a *Adapter) mentioned(msg *telego.Message) bool {
	if a.username == "" {
		return false
	}
	if strings.Contains(msg.Text, "@"+a.username) {
		return true
	}
	if r := msg.ReplyToMessage; r != nil && r.From != nil && r.From.Username == a.username {
		return true
	}
	return strings.HasPrefix(msg.Text, "/") && strings.Contains(msg.Text, "@"+a.username)
}

func (a *Adapter) SendText(ctx context.Context, roomID, text string, opts channels.SendOpts) (string, error) {
	chatID, err := strconv.ParseInt(roomID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram chat id %q: %w", roomID, err)
	}
	params := &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   text,
	}
	if opts.ThreadID != "" {
		if tid, err := strconv.Atoi(opts.ThreadID); err == nil {
			params.MessageThreadID = tid
		}
	}
	if opts.Silent {
		params.DisableNotification = true
	}
	sent, err := a.bot.SendMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("telegram sendMessage: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (a *Adapter) SendMedia(ctx context.Context, roomID string, media bus.MediaAttachment, opts channels.SendOpts) error {
	chatID, err := strconv.ParseInt(roomID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", roomID, err)
	}

	var file telego.InputFile
	if strings.HasPrefix(media.URL, "http://") || strings.HasPrefix(media.URL, "https://") {
		file = telego.InputFile{URL: media.URL}
	} else {
		f, err := os.Open(media.URL)
		if err != nil {
			return fmt.Errorf("open media %s: %w", media.URL, err)
		}
		defer f.Close()
		file = telego.InputFile{File: f}
	}

	if strings.HasPrefix(media.ContentType, "image/") {
		_, err = a.bot.SendPhoto(ctx, &telego.SendPhotoParams{
			ChatID:  telego.ChatID{ID: chatID},
			Photo:   file,
			Caption: media.Caption,
		})
	} else {
		_, err = a.bot.SendDocument(ctx, &telego.SendDocumentParams{
			ChatID:   telego.ChatID{ID: chatID},
			Document: file,
			Caption:  media.Caption,
		})
	}
	if err != nil {
		return fmt.Errorf("telegram send media: %w", err)
	}
	return nil
}

// Reauth is a no-op: bot tokens do not expire. A revoked token
// surfaces as a fatal poll error instead.
func (a *Adapter) Reauth(ctx context.Context) error { return nil }
