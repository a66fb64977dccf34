package channels

import (
	"fmt"
	"strings"
	"sync"
)

// pendingHistoryCap bounds buffered unaddressed messages per room.
const pendingHistoryCap = 50

// PendingHistory buffers unaddressed group messages per room so that
// when the bot is finally addressed, the run sees the surrounding
// conversation as context.
type PendingHistory struct {
	mu    sync.Mutex
	rooms map[string][]string
}

func NewPendingHistory() *PendingHistory {
	return &PendingHistory{rooms: make(map[string][]string)}
}

// Add buffers one unaddressed message, evicting the oldest at capacity.
func (h *PendingHistory) Add(roomID, sender, body string) {
	line := fmt.Sprintf("%s: %s", sender, body)
	h.mu.Lock()
	buf := append(h.rooms[roomID], line)
	if len(buf) > pendingHistoryCap {
		buf = buf[len(buf)-pendingHistoryCap:]
	}
	h.rooms[roomID] = buf
	h.mu.Unlock()
}

// Drain returns and clears the room's buffer formatted as a context
// block, or "" when empty.
func (h *PendingHistory) Drain(roomID string) string {
	h.mu.Lock()
	buf := h.rooms[roomID]
	delete(h.rooms, roomID)
	h.mu.Unlock()
	if len(buf) == 0 {
		return ""
	}
	return "[Recent group messages]\n" + strings.Join(buf, "\n")
}
