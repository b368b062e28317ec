// Package rpc implements the shared agent-server transport and the request
// multiplexer that lets many concurrent sessions share it.
//
// A Transport owns the agent subprocess and its stdio pipes, framing
// messages as one JSON value per newline-terminated line. A Client
// multiplexes JSON-RPC 2.0 requests from any number of goroutines over one
// Transport: it allocates strictly increasing request ids, serializes
// frame writes, and correlates inbound frames to callers purely by id, so
// no ordering is assumed between send order and response order.
//
// Each pending request resolves exactly once, by whichever of these wins:
// a matching response frame, the request timeout, caller cancellation, or
// transport loss. Late frames for already-resolved ids are dropped with a
// diagnostic.
package rpc
