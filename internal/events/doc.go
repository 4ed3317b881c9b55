// Package events serves the subscriber-facing event feed: a long-lived
// one-way stream that delivers pending requests to the remote executor in
// order, with keep-alives that refresh presence. Two transports share the
// same semantics: server-sent events and WebSocket.
package events
