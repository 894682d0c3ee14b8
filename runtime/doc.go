// Package runtime hosts the single execution engine of a process.
//
// A Host owns at most one engine and one storage adapter at a time. Both are
// built lazily from a credential set and rebuilt whenever the credential
// fingerprint changes:
//
//	host, _ := runtime.New(func(o *runtime.Options) {
//		o.EngineFactory = myFactory
//		o.PersonaCatalog = persona.MustNew(persona.Builtin()...)
//	})
//	if err := host.EnsureReady(ctx, credential.FromEnv(os.LookupEnv)); err != nil {
//		// *core.ConfigurationError when no provider key is set
//	}
//	cancel := host.OpenStream(input, runtime.Handlers{
//		OnChunk: func(c core.Chunk) { ... },
//		OnDone:  func() { ... },
//		OnError: func(err error) { ... },
//	})
//	defer cancel()
//
// Lifecycle:
//
//	absent -> initializing -> ready -> tearing_down -> absent
//	                       \-> absent (failure, next call retries)
//	any -> disposed (terminal)
//
// Concurrent EnsureReady calls share one initialization. A caller whose
// fingerprint differs from the initialization in flight waits for it and
// then starts its own, so a caller never observes an engine built for other
// credentials.
//
// Streams are cooperative: cancelling stops delivery of further chunks and
// asks the engine to stop, and no terminal handler runs afterwards.
package runtime
