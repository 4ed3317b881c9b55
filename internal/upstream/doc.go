// Package upstream talks to the agent service that produces turn
// event streams. A turn request opens a long-lived NDJSON response
// body that the stream package consumes line by line.
package upstream
