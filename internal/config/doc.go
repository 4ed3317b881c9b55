// Package config provides 12-factor configuration for the relay
// backend.
//
// Configuration is loaded from environment variables with sensible
// defaults. CLI flags can override environment variables for
// development flexibility.
//
// Environment Variables:
//   - PORT, HOST, PUBLIC_URL
//   - STORE_BACKEND, REDIS_URL
//   - UPSTREAM_URL, UPSTREAM_RETRY_MAX
//   - SESSION_TTL, PRESENCE_TTL, CONVERSATION_TTL
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
