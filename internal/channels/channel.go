// Package channels is the chat-channel abstraction layer. An Adapter
// owns the wire protocol for one account (Telegram, Discord, ...); the
// monitor polls it for normalized events and the manager pushes
// outbound messages through it. The core never constructs wire bytes.
package channels

import (
	"context"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// Event is one inbound datum from a channel account, normalized far
// enough to compute its session key after resolution.
type Event struct {
	ChannelID   string
	RoomID      string
	ThreadID    string
	EventID     string
	SenderID    string
	SenderName  string
	Body        string
	Media       []string
	TimestampMs int64

	IsOwnMessage bool
	Encrypted    bool
	// Notice marks automated bot-style messages (dropped by the
	// monitor during normalization).
	Notice bool
	// Group reports whether the room is a multi-party conversation.
	Group bool
	// Mentioned reports whether the bot was addressed (groups only).
	Mentioned bool
	// Payload carries the encrypted ciphertext for Encrypted events.
	Payload []byte
}

// Batch is one poll result: a resumable cursor, opaque pre-timeline
// state to feed the crypto component before any event dispatch, and
// the timeline events in arrival order.
type Batch struct {
	Cursor   string
	PreState [][]byte
	Events   []Event
}

// SendOpts tunes one outbound send.
type SendOpts struct {
	ThreadID string
	ReplyTo  string
	Silent   bool
}

// Adapter is the wire-level contract one channel account implements.
type Adapter interface {
	// Name returns the channel identifier ("telegram", "discord").
	Name() string

	// Start prepares the account (auth, gateway connect). Idempotent
	// start handling lives in the monitor, not here.
	Start(ctx context.Context) error

	// Stop tears the account down. Called once during drain.
	Stop(ctx context.Context) error

	// Poll blocks up to the adapter's long-poll bound and returns the
	// next batch. An empty batch is a normal timeout.
	Poll(ctx context.Context) (Batch, error)

	// SendText delivers text to a room and returns the message id.
	SendText(ctx context.Context, roomID, text string, opts SendOpts) (string, error)

	// SendMedia delivers one attachment to a room.
	SendMedia(ctx context.Context, roomID string, media bus.MediaAttachment, opts SendOpts) error

	// Reauth re-establishes credentials after an authentication loss.
	Reauth(ctx context.Context) error
}

// Reactor is an optional adapter capability.
type Reactor interface {
	React(ctx context.Context, roomID, messageID, emoji string) error
}

// Editor is an optional adapter capability.
type Editor interface {
	Edit(ctx context.Context, roomID, messageID, text string) error
}

// DMPolicy controls how direct messages from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyPairing   DMPolicy = "pairing"
	DMPolicyDisabled  DMPolicy = "disabled"
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyDisabled  GroupPolicy = "disabled"
)

// AccessPolicy is the per-account access control the monitor applies
// before dispatch. Disallowed senders are dropped silently.
type AccessPolicy struct {
	DM        DMPolicy
	Group     GroupPolicy
	AllowFrom []string

	// Paired returns whether a sender completed pairing. Nil means no
	// pairing service; pairing then degrades to allowlist.
	Paired func(senderID string) bool
}

// Allows reports whether an event passes the policy.
func (p AccessPolicy) Allows(ev Event) bool {
	if ev.Group {
		switch p.Group {
		case GroupPolicyDisabled:
			return false
		case GroupPolicyAllowlist:
			return allowed(p.AllowFrom, ev.SenderID) || allowed(p.AllowFrom, ev.RoomID)
		default:
			return true
		}
	}
	switch p.DM {
	case DMPolicyDisabled:
		return false
	case DMPolicyAllowlist:
		return allowed(p.AllowFrom, ev.SenderID)
	case DMPolicyPairing:
		if p.Paired != nil && p.Paired(ev.SenderID) {
			return true
		}
		return allowed(p.AllowFrom, ev.SenderID)
	default:
		return true
	}
}

// allowed matches a sender against an allowlist. Supports the compound
// "id|username" form on either side and leading "@" on usernames.
// An empty allowlist allows everyone.
func allowed(allowList []string, senderID string) bool {
	if len(allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, entry := range allowList {
		trimmed := strings.TrimPrefix(entry, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID == entry ||
			senderID == trimmed ||
			idPart == entry ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == entry || userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}
	return false
}

// Truncate shortens a string to a display width, appending "..." when
// cut. Width-aware so CJK output stays aligned in status tables.
func Truncate(s string, maxWidth int) string {
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	return runewidth.Truncate(s, maxWidth, "...")
}
