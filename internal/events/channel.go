package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pagerelay/backend/internal/broker"
	"github.com/pagerelay/backend/internal/logging"
	"github.com/pagerelay/backend/internal/monitoring"
	"github.com/pagerelay/backend/internal/session"
	"github.com/pagerelay/backend/internal/shared/id"
	"github.com/pagerelay/backend/internal/store"
)

// DefaultKeepAlive is the interval between keep-alive signals. It must
// stay strictly below the presence TTL so presence never lapses while a
// channel is genuinely alive.
const DefaultKeepAlive = 15 * time.Second

// Channel serves the subscriber-facing event feed: every request
// published to the session's request channel is forwarded in order,
// interleaved with keep-alives that refresh presence.
type Channel struct {
	store     store.Store
	registry  *session.Registry
	presence  *session.Presence
	logger    *logging.Logger
	metrics   *monitoring.Metrics
	keepAlive time.Duration
}

// NewChannel creates the event channel handler. A zero keepAlive selects
// the default. metrics may be nil.
func NewChannel(st store.Store, registry *session.Registry, presence *session.Presence, logger *logging.Logger, metrics *monitoring.Metrics, keepAlive time.Duration) *Channel {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &Channel{
		store:     st,
		registry:  registry,
		presence:  presence,
		logger:    logger,
		metrics:   metrics,
		keepAlive: keepAlive,
	}
}

// attach authorizes the credentials, marks presence, and subscribes to
// the session's request channel. Shared by both transports.
func (h *Channel) attach(ctx context.Context, sessionID id.SessionID, token string) (store.Subscription, error) {
	if err := h.presence.MarkConnected(ctx, sessionID, token); err != nil {
		return nil, err
	}
	sub, err := h.store.Subscribe(ctx, broker.RequestChannel(sessionID))
	if err != nil {
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.EventChannels.Inc()
	}
	return sub, nil
}

// detach releases what attach acquired. Request state lives in the store,
// not the connection, so nothing is lost on disconnect.
func (h *Channel) detach(sub store.Subscription) {
	sub.Close()
	if h.metrics != nil {
		h.metrics.EventChannels.Dec()
	}
}

func (h *Channel) touchPresence(sessionID id.SessionID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.presence.Touch(ctx, sessionID); err != nil {
		h.logger.Warn("presence refresh failed",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
	}
	if h.metrics != nil {
		h.metrics.KeepAlives.Inc()
	}
}
