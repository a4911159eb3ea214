// Package oasis is an AI assistant framework for building conversational agents in Go.
//
// It provides modular, interface-driven building blocks: LLM providers,
// embedding providers, vector storage, long-term memory, a tool execution system,
// a document ingestion pipeline, and messaging frontend abstractions.
//
// # Quick Start
//
// Create an agent by composing implementations of the core interfaces:
//
//	agent := oasis.New(
//		oasis.WithProvider(gemini.New(apiKey, model)),
//		oasis.WithEmbedding(gemini.NewEmbedding(apiKey, embedModel, dims)),
//		oasis.WithStore(store), // any oasis.Store implementation
//		oasis.WithFrontend(telegram.New(token)),
//		oasis.WithSystemPrompt("You are a helpful assistant."),
//	)
//	agent.Run(ctx)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (chat, tool calling, streaming)
//   - [EmbeddingProvider] — text-to-vector embedding
//   - [Frontend] — messaging platform (Telegram, Discord, CLI, etc.)
//   - [Store] — persistence with vector search
//   - [MemoryStore] — long-term semantic memory
//   - [Tool] — pluggable capability for LLM function calling
//
// # Included Implementations
//
// Providers: provider/gemini (Google Gemini).
// Frontends: frontend/telegram.
//
// See the coord package for the multi-agent coordination sidecar built on
// top of these interfaces, and cmd/sidecar for a complete reference
// application.
package oasis
