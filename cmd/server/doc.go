// Package main is the entry point for the page relay server.
//
// The server brokers request/response exchanges between a server-side
// agent and a browser page connected only through short-lived HTTP, and
// manages resumable agent turn streams.
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Production mode
//	./server -port 8000 -upstream http://agent:9000
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
