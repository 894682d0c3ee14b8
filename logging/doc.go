// Package logging provides a minimal logging interface and adapters for agencyhost.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the runtime host, agency coordinator and gateway use for observability.
// This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping an existing *slog.Logger
//   - HostLogger, a slog-backed logger with component/stream context
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	host := runtime.New(func(o *runtime.Options) { o.Logger = logger })
//
// The design intentionally keeps the interface minimal to avoid vendor lock-in
// while supporting structured logging where available.
package logging
