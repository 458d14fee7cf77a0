// Package gateway exposes the runtime over websocket JSON-RPC.
//
// Connected clients authenticate with an HMAC challenge/response, then call
// turn.start, turn.cancel, session.list, and session.history. Turn events
// are pushed to the starting client as they are emitted; a client that
// cannot keep up is dropped rather than buffered without bound. The same
// HTTP mux also serves Prometheus metrics and a health endpoint.
package gateway
