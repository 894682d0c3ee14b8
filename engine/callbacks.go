package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agencyhost/core"
)

// CallbackType defines the specific lifecycle points where callbacks can be executed.
//
// Callbacks provide a flexible mechanism for hooking into the request
// pipeline without modifying core logic. Each type represents a specific
// point in the lifecycle of one ProcessRequest call.
//
// Available callback types:
//   - BeforeRequest/AfterRequest: around a complete request
//   - OnChunk: before each chunk is handed to the consumer
//   - OnError: when a request fails
//
// Callbacks are executed synchronously. An error returned from BeforeRequest
// rejects the request; an error from OnChunk terminates the stream.
type CallbackType string

const (
	// CallbackBeforeRequest is triggered after persona resolution and before
	// any chunk is emitted. Use for validation, quotas or auditing.
	CallbackBeforeRequest CallbackType = "before_request"

	// CallbackAfterRequest is triggered after the final chunk was delivered.
	CallbackAfterRequest CallbackType = "after_request"

	// CallbackOnChunk is triggered for every chunk before delivery.
	CallbackOnChunk CallbackType = "on_chunk"

	// CallbackOnError is triggered when a request fails. Its return value is
	// ignored.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext provides context information for callback execution.
type CallbackContext struct {
	// Input is the request being processed. Callbacks must not mutate it.
	Input *core.Input

	// Chunk is the chunk about to be delivered (OnChunk only).
	Chunk *core.Chunk

	// PersonaID and InstanceID identify the agent serving the request when known.
	PersonaID  string
	InstanceID string

	// Err is the failure that triggered an OnError callback.
	Err error
}

// Callback defines the interface for request lifecycle hooks.
//
// Implementations should be fast: callbacks run synchronously on the request
// goroutine and block chunk delivery while they execute.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic with the provided context.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	quota := NewFunctionCallback(
//	    CallbackBeforeRequest,
//	    func(ctx context.Context, cc *CallbackContext) error {
//	        if cc.Input.UserID == "" {
//	            return errors.New("anonymous requests are not allowed")
//	        }
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager orchestrates callback execution throughout the request lifecycle.
//
// Callbacks are executed in registration order, and any callback returning
// an error stops execution of the remaining callbacks of that type.
// Registration and execution are safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates a new callback manager instance.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback to the manager for its type.
//
// Example:
//
//	manager := NewCallbackManager()
//	manager.RegisterCallback(loggingCallback)
//	manager.RegisterCallback(quotaCallback)
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks executes all registered callbacks for the specified type
// and returns the first error.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := cm.callbacks[callbackType]
	cm.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingCallback forwards lifecycle events to a logging function.
//
// Example:
//
//	callback := NewLoggingCallback(CallbackOnError, func(msg string) {
//	    log.Printf("[ENGINE] %s", msg)
//	})
type LoggingCallback struct {
	callbackType CallbackType
	logger       func(message string)
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType CallbackType, logger func(message string)) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the lifecycle event with context information.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}
	var streamID string
	if callbackCtx.Input != nil {
		streamID = callbackCtx.Input.StreamKey()
	}
	message := fmt.Sprintf("[%s] stream=%s persona=%s", c.callbackType, streamID, callbackCtx.PersonaID)
	if callbackCtx.Chunk != nil {
		message += fmt.Sprintf(" chunk=%s", callbackCtx.Chunk.Type)
	}
	if callbackCtx.Err != nil {
		message += fmt.Sprintf(" error=%v", callbackCtx.Err)
	}
	c.logger(message)
	return nil
}
