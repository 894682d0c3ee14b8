// Package model defines the provider-agnostic abstractions and concrete
// helpers for interacting with language models inside agencyhost.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Normalize tool call representation (ToolCall)
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, OpenRouter, Anthropic) implement the Model interface so
// the execution engine remains decoupled from vendor SDKs.
package model
