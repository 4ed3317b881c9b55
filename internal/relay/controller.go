package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/pagerelay/backend/internal/logging"
	"github.com/pagerelay/backend/internal/monitoring"
	"github.com/pagerelay/backend/internal/session"
	"github.com/pagerelay/backend/internal/shared/id"
	"github.com/pagerelay/backend/internal/stream"
	"github.com/pagerelay/backend/internal/types"
	"github.com/pagerelay/backend/internal/upstream"
)

// State of a turn when the controller hands control back to the caller.
type State string

const (
	StateFinished  State = "finished"
	StateSuspended State = "suspended"
)

// Upstream opens turn streams on the agent service.
type Upstream interface {
	OpenTurn(ctx context.Context, req upstream.TurnRequest) (io.ReadCloser, error)
}

// Resolver completes a pending dispatched request on the broker.
type Resolver interface {
	Resolve(ctx context.Context, sessionID id.SessionID, token string, resp types.Response) error
}

// Sink receives the turn's output stream. The bootstrap line always
// precedes any part.
type Sink interface {
	SendBootstrap(b Bootstrap) error
	SendPart(p stream.Part) error
}

// Bootstrap is the first line of every turn response. It carries the
// credentials the page needs to attach its event channel.
type Bootstrap struct {
	Type            string `json:"type"`
	ConversationID  string `json:"conversationId"`
	BrokerSessionID string `json:"brokerSessionId"`
	BrokerToken     string `json:"brokerToken"`
	BrokerURL       string `json:"brokerUrl"`
}

// TurnParams describes one call to the turn endpoint. A set
// ConversationID together with a ToolResult selects the resume path;
// otherwise a new conversation starts.
type TurnParams struct {
	Message        string
	Document       string
	SandboxID      string
	ConversationID id.ConversationID
	ToolResult     *ToolResult
}

// ToolResult is the caller's answer to a previously dispatched request.
type ToolResult struct {
	RequestID string
	ToolName  string
	Result    json.RawMessage
}

// Outcome reports how a turn ended.
type Outcome struct {
	ConversationID   id.ConversationID
	State            State
	PendingRequestID string
}

// Controller drives a turn from upstream bytes to mapped parts,
// suspending on dispatch requests and resuming hot or cold.
type Controller struct {
	meta      *Manager
	cache     *LiveCache
	upstream  Upstream
	resolver  Resolver
	sessions  *session.Registry
	logger    *logging.Logger
	metrics   *monitoring.Metrics
	brokerURL string
}

// NewController wires the turn controller. brokerURL is the externally
// reachable base URL handed to pages and to the upstream agent.
func NewController(
	meta *Manager,
	cache *LiveCache,
	up Upstream,
	resolver Resolver,
	sessions *session.Registry,
	brokerURL string,
	logger *logging.Logger,
	metrics *monitoring.Metrics,
) *Controller {
	return &Controller{
		meta:      meta,
		cache:     cache,
		upstream:  up,
		resolver:  resolver,
		sessions:  sessions,
		logger:    logger.Named("relay"),
		metrics:   metrics,
		brokerURL: brokerURL,
	}
}

// Run executes one turn. The sink receives the bootstrap line and every
// mapped part before Run returns.
func (c *Controller) Run(ctx context.Context, params TurnParams, sink Sink) (*Outcome, error) {
	if params.ConversationID != "" && params.ToolResult != nil {
		return c.resume(ctx, params, sink)
	}
	return c.newTurn(ctx, params, sink)
}

func (c *Controller) newTurn(ctx context.Context, params TurnParams, sink Sink) (*Outcome, error) {
	md, err := c.meta.Create(ctx)
	if err != nil {
		return nil, err
	}

	sess, err := c.sessions.Create(ctx)
	if err != nil {
		return nil, err
	}
	md.BrokerSessionID = sess.ID
	md.BrokerToken = sess.Token
	md.BrokerURL = c.brokerURL
	md.SandboxID = params.SandboxID
	if err := c.meta.Save(ctx, md); err != nil {
		return nil, err
	}

	if err := c.sendBootstrap(sink, md); err != nil {
		return nil, err
	}

	body, err := c.upstream.OpenTurn(ctx, upstream.TurnRequest{
		Message:        params.Message,
		Document:       params.Document,
		SandboxID:      params.SandboxID,
		RelaySessionID: string(sess.ID),
		RelayToken:     sess.Token,
		RelayURL:       c.brokerURL,
	})
	if err != nil {
		return nil, err
	}

	c.metrics.TurnsStarted.WithLabelValues("new").Inc()
	conn := &LiveConn{
		Upstream: body,
		Scanner:  &stream.ObjectScanner{},
		Mapper:   stream.NewMapper(),
	}
	return c.drain(ctx, md, conn, sink)
}

func (c *Controller) resume(ctx context.Context, params TurnParams, sink Sink) (*Outcome, error) {
	md, err := c.meta.Load(ctx, params.ConversationID)
	if err != nil {
		return nil, err
	}
	if !md.Suspended() {
		return nil, types.NewError(types.CodeNotFound,
			"conversation %s has no pending request", md.ConversationID)
	}

	// Validate before touching anything: a mismatched result must leave
	// the suspension intact.
	result := params.ToolResult
	if result.RequestID != md.PendingRequestID {
		return nil, types.NewError(types.CodeInvalidResponse,
			"tool result %s does not match pending request %s", result.RequestID, md.PendingRequestID)
	}
	if result.ToolName != "" && result.ToolName != md.PendingToolName {
		return nil, types.NewError(types.CodeInvalidResponse,
			"tool result kind %s does not match pending %s", result.ToolName, md.PendingToolName)
	}

	resp, err := stream.ResponseFromToolResult(md.PendingToolName, md.PendingRequestID, result.Result)
	if err != nil {
		return nil, types.WrapError(types.CodeInvalidResponse, err, "tool result rejected")
	}

	if err := c.resolver.Resolve(ctx, md.BrokerSessionID, md.BrokerToken, resp); err != nil {
		return nil, err
	}

	md.PendingRequestID = ""
	md.PendingToolName = ""
	if err := c.meta.Save(ctx, md); err != nil {
		return nil, err
	}

	if err := c.sendBootstrap(sink, md); err != nil {
		return nil, err
	}

	conn := c.cache.Take(md.ConversationID)
	if conn != nil {
		c.metrics.TurnsStarted.WithLabelValues("resume-hot").Inc()
		return c.drain(ctx, md, conn, sink)
	}

	body, err := c.upstream.OpenTurn(ctx, upstream.TurnRequest{
		SessionID:      md.UpstreamSessionID,
		SandboxID:      md.SandboxID,
		RelaySessionID: string(md.BrokerSessionID),
		RelayToken:     md.BrokerToken,
		RelayURL:       md.BrokerURL,
	})
	if err != nil {
		return nil, err
	}

	c.metrics.TurnsStarted.WithLabelValues("resume-cold").Inc()
	conn = &LiveConn{
		Upstream: body,
		Scanner:  &stream.ObjectScanner{},
		Mapper:   stream.NewMapper(),
	}
	return c.drain(ctx, md, conn, sink)
}

// drain reads the upstream connection until it ends or a dispatch
// suspends the turn. The connection is parked on suspension, closed on
// every other exit.
func (c *Controller) drain(ctx context.Context, md *Metadata, conn *LiveConn, sink Sink) (*Outcome, error) {
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			// Caller went away mid-stream. The turn is neither finished
			// nor suspended, so drop the connection and keep metadata
			// for a cold retry.
			conn.Close()
			return nil, types.WrapError(types.CodeInternal, err, "turn aborted")
		}

		n, readErr := conn.Upstream.Read(buf)
		if n > 0 {
			for _, obj := range conn.Scanner.Feed(buf[:n]) {
				outcome, err := c.consume(ctx, md, conn, sink, obj)
				if err != nil {
					conn.Close()
					return nil, err
				}
				if outcome != nil {
					return outcome, nil
				}
			}
		}

		if errors.Is(readErr, io.EOF) {
			return c.finish(ctx, md, conn, sink)
		}
		if readErr != nil {
			conn.Close()
			return nil, types.WrapError(types.CodeInternal, readErr, "upstream read failed")
		}
	}
}

// consume handles one complete upstream object. A non-nil outcome means
// the turn suspended.
func (c *Controller) consume(ctx context.Context, md *Metadata, conn *LiveConn, sink Sink, obj []byte) (*Outcome, error) {
	ev, err := stream.ParseEvent(obj)
	if err != nil {
		c.logger.Debug("skipping unparseable upstream line", zap.Error(err))
		return nil, nil
	}

	res, err := conn.Mapper.Map(ev)
	if err != nil {
		c.logger.Warn("skipping unmappable upstream event",
			zap.String("event_type", ev.Type), zap.Error(err))
		return nil, nil
	}

	if res.SessionUpdate != nil {
		md.Merge(res.SessionUpdate)
		if err := c.meta.Save(ctx, md); err != nil {
			return nil, err
		}
	}

	for _, part := range res.Parts {
		if err := sink.SendPart(part); err != nil {
			return nil, types.WrapError(types.CodeInternal, err, "caller stream closed")
		}
	}

	if res.Dispatch == nil {
		return nil, nil
	}
	return c.suspend(ctx, md, conn, res.Dispatch)
}

func (c *Controller) suspend(ctx context.Context, md *Metadata, conn *LiveConn, req types.Request) (*Outcome, error) {
	md.PendingRequestID = req.ID()
	md.PendingToolName = string(req.Kind())
	if err := c.meta.Save(ctx, md); err != nil {
		conn.Close()
		return nil, err
	}

	c.cache.Put(md.ConversationID, conn)
	c.logger.Info("turn suspended",
		zap.String("conversation_id", string(md.ConversationID)),
		zap.String("request_id", req.ID()),
		zap.String("tool", string(req.Kind())))

	return &Outcome{
		ConversationID:   md.ConversationID,
		State:            StateSuspended,
		PendingRequestID: req.ID(),
	}, nil
}

func (c *Controller) finish(ctx context.Context, md *Metadata, conn *LiveConn, sink Sink) (*Outcome, error) {
	defer conn.Close()

	for _, part := range conn.Mapper.Finish() {
		if err := sink.SendPart(part); err != nil {
			return nil, types.WrapError(types.CodeInternal, err, "caller stream closed")
		}
	}

	if err := c.meta.Delete(ctx, md.ConversationID); err != nil {
		c.logger.Warn("conversation cleanup failed",
			zap.String("conversation_id", string(md.ConversationID)), zap.Error(err))
	}
	if err := c.sessions.Delete(ctx, md.BrokerSessionID); err != nil {
		c.logger.Warn("broker session cleanup failed",
			zap.String("session_id", string(md.BrokerSessionID)), zap.Error(err))
	}

	c.logger.Info("turn finished", zap.String("conversation_id", string(md.ConversationID)))
	return &Outcome{ConversationID: md.ConversationID, State: StateFinished}, nil
}

func (c *Controller) sendBootstrap(sink Sink, md *Metadata) error {
	err := sink.SendBootstrap(Bootstrap{
		Type:            "relay-session",
		ConversationID:  string(md.ConversationID),
		BrokerSessionID: string(md.BrokerSessionID),
		BrokerToken:     md.BrokerToken,
		BrokerURL:       md.BrokerURL,
	})
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "caller stream closed")
	}
	return nil
}
