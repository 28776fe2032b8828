package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/steveyegge/restaurant-reviews/internal/reconcile"
)

// ReplayResultData describes one replayed outbox entry
type ReplayResultData struct {
	EntryID int64  `json:"entry_id"`
	Outcome string `json:"outcome"`
	Deleted bool   `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// SyncCompleteData summarizes one reconciliation
type SyncCompleteData struct {
	Accepted  int           `json:"accepted"`
	Rejected  int           `json:"rejected"`
	Failed    int           `json:"failed"`
	Malformed int           `json:"malformed"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"duration"`
}

// CacheInstalledData describes a populated cache version
type CacheInstalledData struct {
	Version string `json:"version"`
	Entries int    `json:"entries"`
}

// CacheActivatedData describes an activated cache version
type CacheActivatedData struct {
	Version string   `json:"version"`
	Removed []string `json:"removed"`
}

// StatsData contains running totals since the handler was created
type StatsData struct {
	Syncs        int    `json:"syncs"`
	Accepted     int    `json:"accepted"`
	Rejected     int    `json:"rejected"`
	Failed       int    `json:"failed"`
	Queued       int    `json:"queued"`
	CacheVersion string `json:"cache_version,omitempty"`
	CacheEntries int    `json:"cache_entries"`
}

// Handler turns reconciler and cache events into dashboard messages.
// Its On* methods match the hook signatures of reconcile.Config and
// assetcache.Hooks.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	h := &Handler{server: server, logger: logger}
	server.snapshot = h.statsMessage
	return h
}

// OnSyncComplete reports every replay of result followed by a summary.
func (h *Handler) OnSyncComplete(result *reconcile.Result) {
	for _, rp := range result.Replays {
		data := ReplayResultData{
			EntryID: rp.EntryID,
			Outcome: rp.Outcome.String(),
			Deleted: rp.Deleted,
		}
		if rp.Err != nil {
			data.Error = rp.Err.Error()
		}
		h.send(MessageTypeReplayResult, data)
	}

	remaining := result.Remaining()
	h.logger.Printf("Sync complete: %d accepted, %d remaining in %v", result.Accepted, remaining, result.Duration)

	h.mu.Lock()
	h.stats.Syncs++
	h.stats.Accepted += result.Accepted
	h.stats.Rejected += result.Rejected
	h.stats.Failed += result.Failed + result.Malformed
	h.stats.Queued = remaining
	h.mu.Unlock()

	h.send(MessageTypeSyncComplete, SyncCompleteData{
		Accepted:  result.Accepted,
		Rejected:  result.Rejected,
		Failed:    result.Failed,
		Malformed: result.Malformed,
		Remaining: remaining,
		Duration:  result.Duration,
	})
	h.broadcastStats()
}

// OnCacheInstalled reports a populated cache version
func (h *Handler) OnCacheInstalled(version string, entries int) {
	h.logger.Printf("Cache installed: %s (%d entries)", version, entries)

	h.mu.Lock()
	h.stats.CacheEntries = entries
	h.mu.Unlock()

	h.send(MessageTypeCacheInstalled, CacheInstalledData{Version: version, Entries: entries})
}

// OnCacheActivated reports an activated cache version
func (h *Handler) OnCacheActivated(version string, removed []string) {
	h.logger.Printf("Cache activated: %s (removed %v)", version, removed)

	h.mu.Lock()
	h.stats.CacheVersion = version
	h.mu.Unlock()

	if removed == nil {
		removed = []string{}
	}
	h.send(MessageTypeCacheActivated, CacheActivatedData{Version: version, Removed: removed})
	h.broadcastStats()
}

// SetQueued records the current outbox size, e.g. at startup.
func (h *Handler) SetQueued(n int) {
	h.mu.Lock()
	h.stats.Queued = n
	h.mu.Unlock()
	h.broadcastStats()
}

// Stats returns the current statistics
func (h *Handler) Stats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) broadcastStats() {
	h.server.Broadcast(h.statsMessage())
}

func (h *Handler) statsMessage() Message {
	stats := h.Stats()
	data, err := json.Marshal(stats)
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

func (h *Handler) send(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}
