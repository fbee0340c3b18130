// Package fleetlink is an A2A broker for heterogeneous device fleets.
//
// Devices expose their capabilities as MCP tool surfaces (HTTP or stdio)
// and register with the broker; external agents speak A2A JSON-RPC 2.0.
// The broker advertises one agent card for the whole fleet, routes
// incoming intents to a device tool, a local answer, or a delegated
// external agent, and streams device data through a durable per-device
// log that a background scan loop turns into tasks.
//
// # Quick Start
//
// Install the binary:
//
//	go install github.com/fleetlink/fleetlink/cmd/fleetlink@latest
//
// Create a minimal configuration:
//
//	server:
//	  port: 8080
//	llm:
//	  provider: openai
//	  model: gpt-4o-mini
//	  api_key: "${OPENAI_API_KEY}"
//
// Start the broker:
//
//	fleetlink serve --config fleetlink.yaml
//
// Register a device against the admin surface:
//
//	curl -X POST localhost:8080/v1/devices -d '{
//	  "id": "cam-garden",
//	  "name": "Garden Camera",
//	  "keywords": ["photo", "camera", "garden"],
//	  "endpoint": {"transport": "http", "url": "http://cam.local:9000/mcp"}
//	}'
//
// The fleet's agent card is served at /.well-known/agent-card.json and
// grows one skill per online device.
//
// # Packages
//
//	pkg/a2a        protocol types, JSON-RPC envelope, outbound client
//	pkg/device     device model, MCP tool ports, liveness registry
//	pkg/stream     per-device append-only data log
//	pkg/task       task lifecycle, subscriptions, push delivery
//	pkg/router     intent routing (keyword fast path + LLM analysis)
//	pkg/broker     dispatcher tying routing decisions to task execution
//	pkg/manifest   agent card builder
//	pkg/scan       background stream-to-task scan loop
//	pkg/server     JSON-RPC + SSE + REST transports, admin surface
//
// See examples/ for complete configuration files.
package fleetlink
