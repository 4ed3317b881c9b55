package relay

import (
	"io"
	"sync"

	"github.com/pagerelay/backend/internal/monitoring"
	"github.com/pagerelay/backend/internal/shared/id"
	"github.com/pagerelay/backend/internal/stream"
)

// LiveConn is a paused upstream connection together with the scanner
// and mapper state needed to continue draining it mid-stream.
type LiveConn struct {
	Upstream io.ReadCloser
	Scanner  *stream.ObjectScanner
	Mapper   *stream.Mapper
}

// Close releases the upstream reader.
func (c *LiveConn) Close() error {
	return c.Upstream.Close()
}

// LiveCache holds paused connections keyed by conversation id. It is
// process-local on purpose: a connection cannot move between processes,
// so a miss here simply forces a cold resume.
type LiveCache struct {
	mu      sync.Mutex
	conns   map[id.ConversationID]*LiveConn
	metrics *monitoring.Metrics
}

// NewLiveCache creates an empty cache.
func NewLiveCache(metrics *monitoring.Metrics) *LiveCache {
	return &LiveCache{
		conns:   make(map[id.ConversationID]*LiveConn),
		metrics: metrics,
	}
}

// Put parks a connection. An existing entry for the same conversation
// is closed and replaced.
func (lc *LiveCache) Put(conversationID id.ConversationID, conn *LiveConn) {
	lc.mu.Lock()
	prev, existed := lc.conns[conversationID]
	lc.conns[conversationID] = conn
	lc.mu.Unlock()

	if existed {
		prev.Close()
	} else {
		lc.metrics.LiveConnections.Inc()
	}
}

// Take removes and returns the parked connection, or nil when no hot
// path is available.
func (lc *LiveCache) Take(conversationID id.ConversationID) *LiveConn {
	lc.mu.Lock()
	conn, ok := lc.conns[conversationID]
	if ok {
		delete(lc.conns, conversationID)
	}
	lc.mu.Unlock()

	if !ok {
		return nil
	}
	lc.metrics.LiveConnections.Dec()
	return conn
}

// Drop closes and forgets the parked connection, if any.
func (lc *LiveCache) Drop(conversationID id.ConversationID) {
	if conn := lc.Take(conversationID); conn != nil {
		conn.Close()
	}
}

// Drain closes every parked connection. Called on shutdown; surviving
// conversations resume cold from their persisted metadata.
func (lc *LiveCache) Drain() {
	lc.mu.Lock()
	conns := lc.conns
	lc.conns = make(map[id.ConversationID]*LiveConn)
	lc.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
		lc.metrics.LiveConnections.Dec()
	}
}

// Len reports the number of parked connections.
func (lc *LiveCache) Len() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return len(lc.conns)
}
