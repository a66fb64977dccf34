package monitor

import (
	"context"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawgate/internal/channels"
)

// NameResolver looks up a sender's display name from the channel's
// profile API. Optional; the monitor caches results.
type NameResolver interface {
	DisplayName(ctx context.Context, senderID string) (string, error)
}

// nameCache resolves display names: event-provided name first, then
// the profile resolver, then the raw sender id.
type nameCache struct {
	resolver NameResolver
	mu       sync.Mutex
	names    map[string]string
}

func newNameCache(resolver NameResolver) *nameCache {
	return &nameCache{resolver: resolver, names: make(map[string]string)}
}

func (c *nameCache) Resolve(ctx context.Context, ev channels.Event) string {
	if ev.SenderName != "" {
		c.mu.Lock()
		c.names[ev.SenderID] = ev.SenderName
		c.mu.Unlock()
		return ev.SenderName
	}

	c.mu.Lock()
	name, ok := c.names[ev.SenderID]
	c.mu.Unlock()
	if ok {
		return name
	}

	if c.resolver != nil {
		if name, err := c.resolver.DisplayName(ctx, ev.SenderID); err == nil && name != "" {
			c.mu.Lock()
			c.names[ev.SenderID] = name
			c.mu.Unlock()
			return name
		}
	}
	return rawSenderID(ev.SenderID)
}

// rawSenderID strips the "|username" suffix of a compound sender id.
func rawSenderID(senderID string) string {
	if idx := strings.Index(senderID, "|"); idx > 0 {
		return senderID[:idx]
	}
	return senderID
}

// stripReplyFallback removes quoted reply markup from a message body:
// a leading run of "> " lines plus the following blank line. Threading
// carries the reply relation, so the quoted copy is noise.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") && !strings.HasPrefix(body, ">") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i == 0 {
		return body
	}
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}
