// Package gateway is the HTTP surface of the agent: the query endpoint, the
// OAuth login flow, session lifecycle endpoints, a WebSocket event stream,
// health and metrics.
//
// Invariants:
// - Every request carries a request ID, generated when the client sends none.
// - Shutdown drains in-flight requests before closing the listener.
// - Stream broadcasts never block request handling; slow subscribers are
//   dropped.
package gateway
