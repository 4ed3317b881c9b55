// Package document normalizes caller-supplied page captures before
// they travel upstream: charset detection and conversion, sanitization,
// and title/text extraction for logging and context budgeting.
package document
