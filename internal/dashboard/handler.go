package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/kbsync/internal/reconcile"
)

// FileReconciledData contains the outcome of one file
type FileReconciledData struct {
	RunID       string `json:"run_id,omitempty"`
	Path        string `json:"path"`
	KnowledgeID string `json:"knowledge_id"`
	Action      string `json:"action"` // published, skipped, would-publish, failed
	FileID      string `json:"file_id,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

// PassCompleteData contains pass completion information
type PassCompleteData struct {
	RunID        string `json:"run_id"`
	Root         string `json:"root"`
	KnowledgeID  string `json:"knowledge_id"`
	Published    int    `json:"published"`
	Skipped      int    `json:"skipped"`
	WouldPublish int    `json:"would_publish"`
	Failed       int    `json:"failed"`
	Cancelled    bool   `json:"cancelled,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}

// StatsData contains running totals since the handler was created
type StatsData struct {
	Published    int            `json:"published"`
	Skipped      int            `json:"skipped"`
	WouldPublish int            `json:"would_publish"`
	Failed       int            `json:"failed"`
	Passes       int            `json:"passes"`
	ByCollection map[string]int `json:"by_collection"` // published per knowledge id
	LastPassAt   time.Time      `json:"last_pass_at,omitempty"`
}

// Handler turns reconciliation events into dashboard messages.
// It implements reconcile.Observer.
type Handler struct {
	server *Server
	logger *zap.Logger

	mu    sync.Mutex
	stats StatsData
}

var _ reconcile.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server.
// New clients are greeted with the current totals.
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Handler{
		server: server,
		logger: logger,
		stats:  StatsData{ByCollection: make(map[string]int)},
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// OnFileReconciled broadcasts a file outcome and the updated totals.
// Skips are counted but not broadcast individually.
func (h *Handler) OnFileReconciled(e reconcile.Event) {
	h.mu.Lock()
	switch {
	case e.Err != nil:
		h.stats.Failed++
	case e.Action == reconcile.ActionPublished:
		h.stats.Published++
		h.stats.ByCollection[e.KnowledgeID]++
	case e.Action == reconcile.ActionWouldPublish:
		h.stats.WouldPublish++
	case e.Action == reconcile.ActionSkipped:
		h.stats.Skipped++
	}
	h.mu.Unlock()

	if e.Err == nil && e.Action == reconcile.ActionSkipped {
		return
	}

	data := FileReconciledData{
		RunID:       e.RunID,
		Path:        e.Path,
		KnowledgeID: e.KnowledgeID,
		Action:      e.Action.String(),
		FileID:      e.FileID,
		DurationMS:  e.Duration.Milliseconds(),
	}
	if e.Err != nil {
		data.Error = e.Err.Error()
	}

	h.send(MessageTypeFileReconciled, data)
	h.server.Broadcast(h.statsMessage())
}

// OnPassComplete broadcasts a pass summary and the updated totals.
func (h *Handler) OnPassComplete(r *reconcile.SyncReport) {
	h.mu.Lock()
	h.stats.Passes++
	h.stats.LastPassAt = r.StartedAt.Add(r.Duration)
	h.mu.Unlock()

	h.send(MessageTypePassComplete, PassCompleteData{
		RunID:        r.RunID,
		Root:         r.Root,
		KnowledgeID:  r.KnowledgeID,
		Published:    r.Published,
		Skipped:      r.Skipped,
		WouldPublish: r.WouldPublish,
		Failed:       len(r.Failures),
		Cancelled:    r.Cancelled,
		DurationMS:   r.Duration.Milliseconds(),
	})
	h.server.Broadcast(h.statsMessage())
}

// GetStats returns a copy of the current totals
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := h.stats
	stats.ByCollection = make(map[string]int, len(h.stats.ByCollection))
	for k, v := range h.stats.ByCollection {
		stats.ByCollection[k] = v
	}
	return stats
}

func (h *Handler) send(typ MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn("failed to marshal dashboard data", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: dataJSON})
}

func (h *Handler) statsMessage() Message {
	dataJSON, err := json.Marshal(h.GetStats())
	if err != nil {
		h.logger.Warn("failed to marshal stats", zap.Error(err))
		return Message{Type: MessageTypeStats, Timestamp: time.Now()}
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: dataJSON}
}
