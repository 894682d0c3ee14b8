package core

import "context"

// Engine is the opaque execution backend that turns one Input into an
// ordered chunk sequence.
//
// Contract:
//   - ProcessRequest returns immediately. Chunks are delivered on the first
//     channel in emission order; the channel is closed when the sequence ends.
//   - The error channel is buffered (size 1), carries at most one terminal
//     error and is closed by the producer before or together with the chunk
//     channel.
//   - Cancelling ctx asks the producer to stop. Honouring it is cooperative;
//     callers must not assume computation halts.
//
// Shutdown releases engine resources. It is called by the runtime host during
// teardown and must tolerate being called while streams are still draining.
type Engine interface {
	ProcessRequest(ctx context.Context, input Input) (<-chan Chunk, <-chan error)
	Shutdown(ctx context.Context) error
}

// PersonaCatalog is a read-only registry of persona definitions.
// Implementations return copies; callers may mutate the returned values.
type PersonaCatalog interface {
	LoadAllPersonaDefinitions(ctx context.Context) ([]Persona, error)
	LoadPersonaByID(ctx context.Context, id string) (Persona, bool, error)
}
