// Package server wires the relay's components into a running HTTP
// server: store selection, broker, event channel, turn controller,
// middleware chain, and route registration.
package server
