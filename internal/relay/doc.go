// Package relay manages resumable agent conversations: TTL-backed
// conversation metadata in the shared store, a process-local cache of
// paused upstream connections, and the turn controller that streams
// mapped events to the caller and suspends on dispatch requests.
package relay
