// Package broker implements request/response correlation between the
// agent side and the remote executor over the shared store: dispatch
// publishes a typed request and blocks on a pub/sub signal with a hard
// timeout, resolve stores the answer and fires the signal. At most one
// dispatch per request id is enforced with an atomic insert-if-absent, so
// the guarantee holds across broker instances.
package broker
