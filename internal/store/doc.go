// Package store defines the shared coordination contract (key-value with
// TTL, atomic insert-if-absent, pub/sub) and provides two implementations:
// an in-process store for single-node deployments and tests, and a Redis
// adapter for horizontally scaled brokers.
package store
