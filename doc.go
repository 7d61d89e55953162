// Package chatgraph is a streaming chat service built on a small stateful
// graph engine with durable checkpoints.
//
// A chat turn arrives as POST /chat/stream. The server hands it to the
// stream gateway, which echoes the user messages, runs the main graph on a
// worker pool and writes every graph event back to the client as a
// server-sent event. Each superstep of the graph is checkpointed, so a
// conversation continues on the same thread id and a failed run can be
// resumed where it stopped.
//
// # Packages
//
//   - graph: the state graph, its superstep loop and event streaming
//   - store: the checkpoint contract with memory, sqlite, redis and
//     postgres implementations
//   - prebuilt: the main graph with its triage node, and ChatAgent
//   - workflow: turns graph events into client events
//   - stream: the worker pool, bounded queues and SSE framing
//   - server: the HTTP routes
//   - llm, llms/openaicompat: chat model construction
//   - config, log, telemetry: environment configuration, logging and
//     OpenTelemetry export
//
// # Quick Start
//
//	export LLM_API_KEY=... LLM_BASE_URL=https://api.openai.com/v1 LLM_MODEL=gpt-4o-mini
//	export CHECKPOINT_BACKEND=sqlite
//	go run ./cmd/chatgraph
//
//	curl -N -X POST localhost:8000/chat/stream \
//	  -H 'Content-Type: application/json' \
//	  -d '{"messages":[{"role":"user","content":"hello"}]}'
package chatgraph
