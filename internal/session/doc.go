// Package session issues and validates broker session credentials with
// sliding expiry, and tracks executor presence with an independent
// short-lived marker. Both live in the shared store so any broker
// instance can authorize any session.
package session
