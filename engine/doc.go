// Package engine implements the default execution engine for agencyhost.
//
// The Engine turns one core.Input into an ordered stream of core.Chunk values
// by resolving a persona from the catalog and driving a model.Model. It is
// the component the runtime host owns and rebuilds whenever credentials
// change; callers never talk to it directly.
//
// # Chunk Sequence
//
// A successful request emits, in order:
//
//  1. system_progress announcing the persona
//  2. metadata_update binding the agent instance id, provider and model
//  3. agency_update with the full seat list (agency requests only)
//  4. workflow_update "running" (workflow requests only)
//  5. text_delta for every streamed fragment
//  6. tool_call_request when the model asked for tools
//  7. workflow_update "completed" / agency_update with the seat marked done
//  8. final_response with the full text and token usage (IsFinal)
//
// A failing request emits an error chunk (IsFinal) and then reports the same
// failure on the error channel. A cancelled request simply stops.
//
// # Architecture
//
//	┌─────────────────────────────────────────────┐
//	│              Runtime Host                   │
//	├─────────────────────────────────────────────┤
//	│  ProcessRequest        Shutdown             │
//	│  ┌──────────┐ ┌──────────┐ ┌─────────────┐  │
//	│  │ Personas │ │  Seats   │ │  Callbacks  │  │
//	│  └──────────┘ └──────────┘ └─────────────┘  │
//	├─────────────────────────────────────────────┤
//	│  model.Model          storage.Adapter       │
//	└─────────────────────────────────────────────┘
//
// # Concurrency
//
// Each request runs on its own goroutine with a cancellable context derived
// from the caller's. Generation is bounded by Config.MaxConcurrentRequests;
// waiting for a slot honours cancellation. Shutdown cancels every active
// request and waits for them to drain.
//
// # Agency Seats
//
// For requests carrying an AgencyRequest the engine keeps a per-agency seat
// registry. Starting a role binds a fresh instance id to its seat; finishing
// marks the seat completed or failed. Every agency_update carries the whole
// seat list so consumers can replace their view wholesale.
//
// # Conversation History
//
// When a storage adapter is configured, the last Config.HistoryLimit messages
// of each conversation are stored under "history/<conversation id>" and sent
// back to the model on the next request.
//
// # Callbacks
//
// A CallbackManager can observe or guard the lifecycle:
//
//	cm := engine.NewCallbackManager()
//	cm.RegisterCallback(engine.NewLoggingCallback(engine.CallbackOnError, func(m string) {
//	    log.Println(m)
//	}))
//	eng, _ := engine.New(func(o *engine.Options) {
//	    o.Model = m
//	    o.Catalog = persona.Builtin()
//	    o.Callbacks = cm
//	})
package engine
