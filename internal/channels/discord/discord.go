// Package discord is the Discord adapter. discordgo pushes gateway
// events; the adapter bridges them into the pull-based Poll model
// through a bounded internal queue.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
)

// queueCap bounds buffered gateway events between Polls.
const queueCap = 256

// Config parameterizes one Discord account.
type Config struct {
	Token string
	// RequireMention gates guild messages on an @mention of the bot.
	RequireMention bool
}

// Adapter implements channels.Adapter over a discordgo session.
type Adapter struct {
	cfg     Config
	session *discordgo.Session
	botID   string
	events  chan channels.Event
}

func New(cfg Config) (*Adapter, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Adapter{
		cfg:     cfg,
		session: session,
		events:  make(chan channels.Event, queueCap),
	}, nil
}

func (a *Adapter) Name() string { return "discord" }

func (a *Adapter) Start(ctx context.Context) error {
	a.session.AddHandler(a.onMessageCreate)
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("discord identity: %w", err)
	}
	a.botID = user.ID
	slog.Info("discord bot connected", "username", user.Username)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	return a.session.Close()
}

// Poll drains whatever the gateway delivered since the last call,
// blocking for the first event. Discord's gateway has no resumable
// cursor at this layer, so Cursor stays empty and dedup carries the
// restart safety.
func (a *Adapter) Poll(ctx context.Context) (channels.Batch, error) {
	var batch channels.Batch
	select {
	case <-ctx.Done():
		return batch, ctx.Err()
	case ev := <-a.events:
		batch.Events = append(batch.Events, ev)
	}
	for {
		select {
		case ev := <-a.events:
			batch.Events = append(batch.Events, ev)
		default:
			return batch, nil
		}
	}
}

func (a *Adapter) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	group := m.GuildID != ""
	mentioned := !group || !a.cfg.RequireMention
	if !mentioned {
		for _, u := range m.Mentions {
			if u.ID == a.botID {
				mentioned = true
				break
			}
		}
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID += "|" + m.Author.Username
	}

	ev := channels.Event{
		ChannelID:    "discord",
		RoomID:       m.ChannelID,
		EventID:      m.ID,
		SenderID:     senderID,
		SenderName:   resolveDisplayName(m),
		Body:         m.Content,
		TimestampMs:  m.Timestamp.UnixMilli(),
		IsOwnMessage: m.Author.ID == a.botID,
		Group:        group,
		Mentioned:    mentioned,
		Notice:       m.Author.Bot,
	}
	for _, att := range m.Attachments {
		ev.Media = append(ev.Media, att.URL)
	}

	select {
	case a.events <- ev:
	default:
		slog.Warn("discord event queue full, dropping event", "channel_id", m.ChannelID, "event_id", m.ID)
	}
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// discordMsgLimit is the hard message length cap.
const discordMsgLimit = 2000

func (a *Adapter) SendText(ctx context.Context, roomID, text string, opts channels.SendOpts) (string, error) {
	var lastID string
	for _, chunk := range splitMessage(text, discordMsgLimit) {
		msg, err := a.session.ChannelMessageSend(roomID, chunk)
		if err != nil {
			return "", fmt.Errorf("discord send: %w", err)
		}
		lastID = msg.ID
	}
	return lastID, nil
}

func (a *Adapter) SendMedia(ctx context.Context, roomID string, media bus.MediaAttachment, opts channels.SendOpts) error {
	f, err := os.Open(media.URL)
	if err != nil {
		return fmt.Errorf("open media %s: %w", media.URL, err)
	}
	defer f.Close()
	_, err = a.session.ChannelFileSendWithMessage(roomID, media.Caption, media.URL, f)
	if err != nil {
		return fmt.Errorf("discord send media: %w", err)
	}
	return nil
}

// Reauth reopens the gateway session.
func (a *Adapter) Reauth(ctx context.Context) error {
	a.session.Close()
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("reopen discord gateway: %w", err)
	}
	return nil
}

// splitMessage chunks text on line boundaries under the length cap.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
