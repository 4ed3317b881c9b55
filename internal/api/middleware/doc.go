// Package middleware provides HTTP middleware for CORS and per-IP
// rate limiting.
package middleware
