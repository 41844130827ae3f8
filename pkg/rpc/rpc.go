// Package rpc implements the wire protocol between the broker and its
// searcher shards: newline-delimited JSON frames over persistent TCP
// connections.
//
// Unlike a general-purpose RPC framework the protocol is single-purpose.
// There is no method dispatch: a searcher serves exactly one operation, so
// every request frame is a search. The frame header instead carries what the
// query path needs end to end:
//
//   - the shard id the caller believes it is talking to, validated
//     server-side so a misconfigured address list fails loudly instead of
//     silently returning another shard's documents,
//   - the remaining request deadline in milliseconds, re-armed into the
//     handler's context so the searcher stops scanning segments when the
//     broker has already given up,
//   - a request id, letting one connection multiplex many in-flight
//     queries; the broker's fanout issues all shard RPCs concurrently over
//     a single connection per shard.
//
// Errors cross the boundary as (kind, message) pairs using the error kinds
// of pkg/errors, so errors.Is works on the broker side without string
// matching.
package rpc

import "encoding/json"

// requestFrame is one search request on the wire.
type requestFrame struct {
	ID             uint64          `json:"id"`
	ShardID        int             `json:"shardId"`
	DeadlineMillis int64           `json:"deadlineMillis,omitempty"`
	Body           json.RawMessage `json:"body"`
}

// responseFrame answers one request frame. ErrorKind carries the pkg/errors
// label when the handler failed; Body is set on success.
type responseFrame struct {
	ID        uint64          `json:"id"`
	ErrorKind string          `json:"errorKind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}
