package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/agencyhost/logging"
	"github.com/hupe1980/agencyhost/model"
	"github.com/hupe1980/agencyhost/storage"
)

const historyKeyPrefix = "history/"

// historyStore keeps a bounded per-conversation message window in the
// runtime's storage adapter. Storage failures are logged, never fatal.
type historyStore struct {
	adapter storage.Adapter
	limit   int
	mu      sync.Mutex
}

func newHistoryStore(adapter storage.Adapter, limit int) *historyStore {
	return &historyStore{adapter: adapter, limit: limit}
}

func (h *historyStore) enabled(conversationID string) bool {
	return h.adapter != nil && h.limit > 0 && conversationID != ""
}

func (h *historyStore) load(ctx context.Context, conversationID string, logger logging.Logger) []model.Message {
	if !h.enabled(conversationID) {
		return nil
	}
	msgs, err := storage.GetValue[[]model.Message](ctx, h.adapter, historyKeyPrefix+conversationID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("Failed to load conversation history", "conversation_id", conversationID, "error", err)
		}
		return nil
	}
	return msgs
}

func (h *historyStore) append(ctx context.Context, conversationID string, logger logging.Logger, msgs ...model.Message) {
	if !h.enabled(conversationID) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	existing := h.load(ctx, conversationID, logger)
	existing = append(existing, msgs...)
	if len(existing) > h.limit {
		existing = existing[len(existing)-h.limit:]
	}
	if err := storage.PutValue(ctx, h.adapter, historyKeyPrefix+conversationID, existing); err != nil {
		logger.Warn("Failed to save conversation history", "conversation_id", conversationID, "error", err)
	}
}
