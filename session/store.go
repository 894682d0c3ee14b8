package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/logging"
	"github.com/hupe1980/agencyhost/storage"
)

// ErrNotFound is returned by Load for an unknown conversation.
var ErrNotFound = errors.New("conversation not found")

const keyPrefix = "session/"

// Options configures a Store.
type Options struct {
	// Adapter persists conversations on Save. Optional.
	Adapter storage.Adapter
	Logger  logging.Logger
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// Store is a concurrency-safe, in-memory conversation state keeper. Every
// read returns a copy so callers can never mutate internal state.
type Store struct {
	opts   Options
	logger logging.Logger

	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// New creates an empty store.
func New(optFns ...func(o *Options)) *Store {
	opts := Options{Now: func() time.Time { return time.Now().UTC() }}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{opts: opts, logger: logging.OrNoOp(opts.Logger), conversations: make(map[string]*Conversation)}
}

// Sink returns a chunk handler applying chunks to conversationID.
func (s *Store) Sink(conversationID string) func(core.Chunk) {
	return func(c core.Chunk) { s.Apply(conversationID, c) }
}

// Apply folds one chunk into the conversation. Unknown chunk types are
// ignored.
func (s *Store) Apply(conversationID string, c core.Chunk) {
	if !c.Type.Known() {
		s.logger.Debug("Ignoring unknown chunk type", "type", c.Type, "stream_id", c.StreamID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversationLocked(conversationID)
	now := s.opts.Now()
	conv.UpdatedAt = now

	switch c.Type {
	case core.ChunkMetadataUpdate:
		if c.Metadata != nil {
			if conv.Metadata == nil {
				conv.Metadata = make(map[string]any, len(c.Metadata.Updates))
			}
			for k, v := range c.Metadata.Updates {
				conv.Metadata[k] = v
			}
		}
		return
	case core.ChunkAgencyUpdate:
		if c.Agency != nil {
			// Snapshots are authoritative: replace, never merge.
			conv.Agencies[c.Agency.AgencyID] = AgencyView{
				AgencyID:  c.Agency.AgencyID,
				Goal:      c.Agency.Goal,
				Seats:     core.CloneSeatSnapshots(c.Agency.Seats),
				Metadata:  cloneMap(c.Agency.Metadata),
				UpdatedAt: now,
			}
		}
		return
	}

	v := s.streamLocked(conv, c)
	v.UpdatedAt = now
	switch c.Type {
	case core.ChunkTextDelta:
		if c.Text != nil {
			v.Text += c.Text.Delta
		}
	case core.ChunkSystemProgress:
		if c.Progress != nil {
			v.Progress = c.Progress.Message
		}
	case core.ChunkToolCallRequest:
		if c.ToolCalls != nil {
			v.ToolCalls = append(v.ToolCalls, c.ToolCalls.Calls...)
		}
	case core.ChunkToolResultEmission:
		if c.ToolResult != nil {
			v.ToolResults = append(v.ToolResults, *c.ToolResult)
		}
	case core.ChunkWorkflowUpdate:
		if c.Workflow != nil {
			w := *c.Workflow
			w.Details = cloneMap(c.Workflow.Details)
			v.Workflow = &w
		}
	case core.ChunkFinalResponse:
		v.Status = StreamCompleted
		if c.Final != nil {
			if c.Final.Text != "" {
				v.Text = c.Final.Text
			}
			if c.Final.Usage != nil {
				u := *c.Final.Usage
				v.Usage = &u
			}
		}
	case core.ChunkError:
		v.Status = StreamFailed
		if c.Error != nil {
			e := *c.Error
			v.Error = &e
		}
	}
	conv.Streams[c.StreamID] = v
}

func (s *Store) conversationLocked(id string) *Conversation {
	conv, ok := s.conversations[id]
	if !ok {
		conv = newConversation(id)
		s.conversations[id] = conv
	}
	return conv
}

func (s *Store) streamLocked(conv *Conversation, c core.Chunk) StreamView {
	v, ok := conv.Streams[c.StreamID]
	if !ok {
		conv.StreamOrder = append(conv.StreamOrder, c.StreamID)
		v = StreamView{StreamID: c.StreamID, Status: StreamStreaming}
	}
	if c.PersonaID != "" {
		v.PersonaID = c.PersonaID
	}
	if c.GMIInstanceID != "" {
		v.GMIInstanceID = c.GMIInstanceID
	}
	return v
}

// MarkFailed records a stream failure reported outside the chunk sequence,
// e.g. through a stream's error handler.
func (s *Store) MarkFailed(conversationID, streamID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversationLocked(conversationID)
	now := s.opts.Now()
	conv.UpdatedAt = now
	v := s.streamLocked(conv, core.Chunk{StreamID: streamID})
	v.Status = StreamFailed
	v.UpdatedAt = now
	if err != nil {
		info := &core.ErrorInfo{Code: core.CodeStream, Message: err.Error()}
		var se *core.StreamError
		if errors.As(err, &se) {
			info.Code = se.Code
		}
		v.Error = info
	}
	conv.Streams[streamID] = v
}

// MarkRoleFailed flags the seat of roleID as failed in the latest agency
// snapshot. A later agency update replaces the flag like any other seat data.
func (s *Store) MarkRoleFailed(conversationID, agencyID, roleID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversationLocked(conversationID)
	view, ok := conv.Agencies[agencyID]
	if !ok {
		view = AgencyView{AgencyID: agencyID}
	}
	view = view.clone()
	found := false
	for i := range view.Seats {
		if view.Seats[i].RoleID != roleID {
			continue
		}
		found = true
		if view.Seats[i].Metadata == nil {
			view.Seats[i].Metadata = map[string]any{}
		}
		view.Seats[i].Metadata["status"] = "failed"
		if err != nil {
			view.Seats[i].Metadata["error"] = err.Error()
		}
	}
	if !found {
		meta := map[string]any{"status": "failed"}
		if err != nil {
			meta["error"] = err.Error()
		}
		view.Seats = append(view.Seats, core.SeatSnapshot{RoleID: roleID, Metadata: meta})
	}
	view.UpdatedAt = s.opts.Now()
	conv.Agencies[agencyID] = view
	conv.UpdatedAt = view.UpdatedAt
}

// Get returns a copy of the conversation.
func (s *Store) Get(conversationID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return conv.Clone(), true
}

// Stream returns a copy of one stream view.
func (s *Store) Stream(conversationID, streamID string) (StreamView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return StreamView{}, false
	}
	v, ok := conv.Streams[streamID]
	return v.clone(), ok
}

// Agency returns a copy of the latest seat snapshot of an agency.
func (s *Store) Agency(conversationID, agencyID string) (AgencyView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return AgencyView{}, false
	}
	v, ok := conv.Agencies[agencyID]
	return v.clone(), ok
}

// Conversations lists the ids of all conversations in lexical order.
func (s *Store) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Delete drops a conversation from memory.
func (s *Store) Delete(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
}

// Save persists a conversation through the configured adapter.
func (s *Store) Save(ctx context.Context, conversationID string) error {
	if s.opts.Adapter == nil {
		return errors.New("session: no storage adapter configured")
	}
	conv, ok := s.Get(conversationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	return storage.PutValue(ctx, s.opts.Adapter, keyPrefix+conversationID, conv)
}

// Load restores a persisted conversation, replacing any in-memory state.
func (s *Store) Load(ctx context.Context, conversationID string) (Conversation, error) {
	if s.opts.Adapter == nil {
		return Conversation{}, errors.New("session: no storage adapter configured")
	}
	conv, err := storage.GetValue[Conversation](ctx, s.opts.Adapter, keyPrefix+conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return Conversation{}, err
	}
	if conv.Streams == nil {
		conv.Streams = make(map[string]StreamView)
	}
	if conv.Agencies == nil {
		conv.Agencies = make(map[string]AgencyView)
	}
	stored := conv.Clone()
	s.mu.Lock()
	s.conversations[conversationID] = &stored
	s.mu.Unlock()
	return conv, nil
}
