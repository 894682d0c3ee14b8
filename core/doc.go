// Package core defines the contracts shared by every layer of agencyhost:
//
//   - Chunk and ChunkType, the closed nine-kind union streamed by engines
//   - Input, the request handed to an engine
//   - Engine and PersonaCatalog, the external collaborators orchestrated here
//   - Agency, Seat and SeatSnapshot, the multi-agent configuration model
//   - the error taxonomy (ConfigurationError, InitializationError, StreamError)
//
// The package carries no orchestration logic. Runtime lifecycle lives in
// package runtime, multi-role fan-out in package agency.
package core
