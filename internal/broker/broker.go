package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pagerelay/backend/internal/logging"
	"github.com/pagerelay/backend/internal/monitoring"
	"github.com/pagerelay/backend/internal/session"
	"github.com/pagerelay/backend/internal/shared/id"
	"github.com/pagerelay/backend/internal/store"
	"github.com/pagerelay/backend/internal/types"
)

const (
	// DefaultTimeout applies when the dispatcher does not specify one.
	DefaultTimeout = 20 * time.Second

	// MaxTimeout bounds dispatch waits so a caller cannot pin a
	// subscription indefinitely.
	MaxTimeout = 60 * time.Second

	// responseTTL bounds how long a stored response survives if the
	// waiting dispatcher died before reading it back.
	responseTTL = 5 * time.Minute
)

// Broker correlates typed requests published to a session's request
// channel with responses resolved by the remote executor. All state lives
// in the shared store, so any instance can dispatch or resolve.
type Broker struct {
	store    store.Store
	registry *session.Registry
	presence *session.Presence
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

// New creates a broker. metrics may be nil.
func New(st store.Store, registry *session.Registry, presence *session.Presence, logger *logging.Logger, metrics *monitoring.Metrics) *Broker {
	return &Broker{
		store:    st,
		registry: registry,
		presence: presence,
		logger:   logger,
		metrics:  metrics,
	}
}

// Dispatch publishes a request to the session's request channel and blocks
// until the correlated response arrives or the timeout fires. At most one
// dispatch may be outstanding per request id, enforced by an atomic
// insert-if-absent in the store so the guarantee holds across processes.
func (b *Broker) Dispatch(ctx context.Context, sessionID id.SessionID, token string, req types.Request, timeout time.Duration) (types.Response, error) {
	started := time.Now()
	resp, err := b.dispatch(ctx, sessionID, token, req, clampTimeout(timeout))
	if b.metrics != nil {
		b.metrics.ObserveDispatch(string(req.Kind()), outcome(err), time.Since(started))
	}
	return resp, err
}

func (b *Broker) dispatch(ctx context.Context, sessionID id.SessionID, token string, req types.Request, timeout time.Duration) (types.Response, error) {
	if err := b.registry.Assert(ctx, sessionID, token); err != nil {
		return nil, err
	}
	if err := b.presence.EnsureConnected(ctx, sessionID); err != nil {
		return nil, err
	}

	requestID := req.ID()

	// Pending marker TTL outlives the longest possible wait so a crashed
	// dispatcher cannot wedge the request id forever.
	ok, err := b.store.SetNX(ctx, pendingKey(sessionID, requestID), []byte(req.Kind()), MaxTimeout+time.Minute)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "pending marker write failed")
	}
	if !ok {
		return nil, types.NewError(types.CodeInvalidResponse, "request %s already pending", requestID)
	}

	// Everything below must clean up on every exit path: delete the
	// marker and any stored response, and release the subscription.
	sub, err := b.store.Subscribe(ctx, responseChannel(sessionID, requestID))
	if err != nil {
		b.cleanup(sessionID, requestID, nil)
		return nil, types.WrapError(types.CodeInternal, err, "response subscription failed")
	}
	defer b.cleanup(sessionID, requestID, sub)

	payload, err := types.EncodeRequest(req)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "request encoding failed")
	}
	if err := b.store.Publish(ctx, requestChannel(sessionID), payload); err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "request publish failed")
	}

	b.logger.Debug("dispatched request",
		zap.String("session_id", sessionID.String()),
		zap.String("request_id", requestID),
		zap.String("kind", string(req.Kind())),
		zap.Duration("timeout", timeout))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, types.WrapError(types.CodeTimeout, ctx.Err(), "dispatch canceled")
	case <-timer.C:
		return nil, types.NewError(types.CodeTimeout, "no response within %s", timeout)
	case _, open := <-sub.Messages():
		if !open {
			return nil, types.NewError(types.CodeInternal, "response subscription closed")
		}
	}

	data, err := b.store.Get(ctx, responseKey(sessionID, requestID))
	if errors.Is(err, store.ErrNotFound) {
		// Consistency guard: the signal fired but nothing was stored.
		return nil, types.NewError(types.CodeTimeout, "signalled without payload")
	}
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "response read failed")
	}

	resp, err := types.DecodeResponse(data)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "malformed stored response")
	}

	if errResp, isErr := resp.(*types.ErrorResponse); isErr {
		return nil, types.NewError(types.CodeInvalidResponse, "%s", errResp.Message)
	}
	if want := types.ExpectedResponse(req.Kind()); resp.Kind() != want {
		return nil, types.NewError(types.CodeInvalidResponse, "response type %s does not match pending %s", resp.Kind(), req.Kind())
	}
	return resp, nil
}

// Resolve stores a response from the remote executor and signals the
// waiting dispatcher. Error responses always pass through; any other
// response must match the pending request's declared type.
func (b *Broker) Resolve(ctx context.Context, sessionID id.SessionID, token string, resp types.Response) error {
	if err := b.registry.Assert(ctx, sessionID, token); err != nil {
		return err
	}

	requestID := resp.ID()
	marker, err := b.store.Get(ctx, pendingKey(sessionID, requestID))
	if errors.Is(err, store.ErrNotFound) {
		return types.NewError(types.CodeNotFound, "no pending request %s", requestID)
	}
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "pending marker read failed")
	}

	if resp.Kind() != types.KindErrorResponse {
		want := types.ExpectedResponse(types.RequestKind(marker))
		if resp.Kind() != want {
			// The waiter still has to be released: store an error
			// response in place of the rejected one so its next read
			// fails fast instead of timing out.
			mismatch := &types.ErrorResponse{
				RequestID: requestID,
				Message:   fmt.Sprintf("response type %s does not match pending %s", resp.Kind(), marker),
			}
			b.deliver(ctx, sessionID, requestID, mismatch)
			return types.NewError(types.CodeInvalidResponse, "response type %s does not match pending %s", resp.Kind(), marker)
		}
	}

	if err := b.deliver(ctx, sessionID, requestID, resp); err != nil {
		return err
	}

	b.logger.Debug("resolved request",
		zap.String("session_id", sessionID.String()),
		zap.String("request_id", requestID),
		zap.String("kind", string(resp.Kind())))
	return nil
}

// deliver stores the response then publishes the correlation signal.
// Order matters: the waiter reads the store immediately after the signal.
func (b *Broker) deliver(ctx context.Context, sessionID id.SessionID, requestID string, resp types.Response) error {
	data, err := types.EncodeResponse(resp)
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "response encoding failed")
	}
	if err := b.store.Set(ctx, responseKey(sessionID, requestID), data, responseTTL); err != nil {
		return types.WrapError(types.CodeInternal, err, "response persistence failed")
	}
	if err := b.store.Publish(ctx, responseChannel(sessionID, requestID), []byte("1")); err != nil {
		return types.WrapError(types.CodeInternal, err, "response signal failed")
	}
	return nil
}

// cleanup runs on every dispatch exit path. It uses a fresh context so a
// canceled dispatch still releases its store state.
func (b *Broker) cleanup(sessionID id.SessionID, requestID string, sub store.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.store.Delete(ctx, pendingKey(sessionID, requestID), responseKey(sessionID, requestID)); err != nil {
		b.logger.Warn("dispatch cleanup failed",
			zap.String("session_id", sessionID.String()),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			b.logger.Warn("subscription release failed",
				zap.String("request_id", requestID),
				zap.Error(err))
		}
	}
}

// RequestChannel names the pub/sub channel requests are published on.
// The event channel subscribes to it.
func RequestChannel(sessionID id.SessionID) string {
	return requestChannel(sessionID)
}

func requestChannel(sessionID id.SessionID) string {
	return fmt.Sprintf("relay:req:%s", sessionID)
}

func responseChannel(sessionID id.SessionID, requestID string) string {
	return fmt.Sprintf("relay:resp:%s:%s", sessionID, requestID)
}

func pendingKey(sessionID id.SessionID, requestID string) string {
	return fmt.Sprintf("relay:pending:%s:%s", sessionID, requestID)
}

func responseKey(sessionID id.SessionID, requestID string) string {
	return fmt.Sprintf("relay:response:%s:%s", sessionID, requestID)
}

func clampTimeout(timeout time.Duration) time.Duration {
	switch {
	case timeout <= 0:
		return DefaultTimeout
	case timeout > MaxTimeout:
		return MaxTimeout
	default:
		return timeout
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(types.CodeOf(err))
}
