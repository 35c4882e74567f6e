// Package crosswire is an extension-host gateway: a long-running process
// that lets independently-developed extensions expose RPC methods and
// emit/consume events through one central broker, while some extensions run
// in isolated child processes for fault containment.
//
// # Architecture
//
// Crosswire is organized in three layers:
//
//	┌─────────────────────────────────────┐
//	│       Gateway Protocol Layer        │  WebSocket req/res/event,
//	│  (connections, subscriptions)       │  per-connection state
//	└─────────────────────────────────────┘
//	           ↓ dispatches via
//	┌─────────────────────────────────────┐
//	│       Extension Manager             │  Method table, source routes,
//	│  (registry, broadcast, routing)     │  event broadcast, lifecycle
//	└─────────────────────────────────────┘
//	           ↓ invokes
//	┌─────────────────────────────────────┐
//	│       Extension Handles             │  Local (in-process) or
//	│  (local objects, remote hosts)      │  Remote (child process over IPC)
//	└─────────────────────────────────────┘
//
// Extensions register a set of uniquely-named RPC methods with JSON schemas,
// may declare ownership of source-route prefixes (external channel
// addresses), and exchange events whose dot-delimited types are matched
// against wildcard subscription patterns.
//
// # Fault containment
//
// Out-of-process extensions are supervised by a host adapter that exchanges
// newline-delimited JSON frames over stdin/stdout. Every remote call carries
// a call context (trace id, recursion depth, deadline); a slow or dead child
// can time out its own callers but never stalls event delivery to other
// subscribers, and gateway shutdown escalates from graceful to forced
// termination so no child process is leaked.
//
// Crosswire MUST NOT contain:
//   - Persisted message queues or event replay (events are fire-and-forget
//     to currently-connected subscribers)
//   - Multi-node federation or consensus
//   - Extension business logic (extensions live in their own binaries or
//     packages, registered through the manager)
package crosswire
