// Package stream translates the upstream agent's line-delimited JSON
// event stream into the neutral stream-part vocabulary served to callers.
// The scanner tolerates objects split across reads; the mapper recognizes
// dispatch-worthy events and re-expresses resumed tool results in the
// executor's response vocabulary.
package stream
