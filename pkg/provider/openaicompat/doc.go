// Package openaicompat talks to OpenAI-compatible Chat Completions engines
// (vLLM, llama.cpp/GGUF servers and similar). It translates a GatewayRequest
// into the engine's WorkerRequest, opens the streaming call, classifies HTTP
// failures, and transforms the upstream SSE chunks into the gateway's
// Standard Event sequence.
package openaicompat
