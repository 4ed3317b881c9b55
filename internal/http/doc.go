// Package http contains the gin handlers for the relay's public
// surface: session issuance, the browser event channel, the broker's
// dispatch and respond operations, and the streaming agent turn
// endpoint.
package http
