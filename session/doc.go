// Package session maintains display state for conversations by consuming
// the chunk stream produced by the runtime host and the agency coordinator.
//
// A Store keeps, per conversation, one view per stream (accumulated text,
// progress, tool activity, usage, terminal status) and one view per agency
// (the current seat list). Agency updates are authoritative snapshots: each
// one replaces the agency's seat list wholesale.
//
// Store.Sink adapts a conversation to a chunk handler:
//
//	host.OpenStream(input, runtime.Handlers{OnChunk: store.Sink(input.ConversationID)})
//
// Conversations are kept in memory and can be persisted through any
// storage.Adapter with Save and Load.
package session
