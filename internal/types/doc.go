// Package types defines the wire protocol shared by the broker, the event
// channels, and the relay controller: the closed request/response unions
// exchanged with the remote executor and the error taxonomy every endpoint
// reports.
package types
