package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagerelay/backend/internal/logging"
	"github.com/pagerelay/backend/internal/monitoring"
	"github.com/pagerelay/backend/internal/session"
	"github.com/pagerelay/backend/internal/shared/id"
	"github.com/pagerelay/backend/internal/store"
	"github.com/pagerelay/backend/internal/types"
)

type fixture struct {
	store    *store.Memory
	broker   *Broker
	registry *session.Registry
	presence *session.Presence
	session  *session.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	registry := session.NewRegistry(st, 0)
	presence := session.NewPresence(registry, st, 0)

	sess, err := registry.Create(context.Background())
	require.NoError(t, err)
	require.NoError(t, presence.MarkConnected(context.Background(), sess.ID, sess.Token))

	return &fixture{
		store:    st,
		broker:   New(st, registry, presence, logging.NewNop(), monitoring.NewMetrics()),
		registry: registry,
		presence: presence,
		session:  sess,
	}
}

// resolveWhenPublished mimics the remote executor: it watches the
// session's request channel and answers the first request with resp.
func (f *fixture) resolveWhenPublished(t *testing.T, resp types.Response) <-chan error {
	t.Helper()

	sub, err := f.store.Subscribe(context.Background(), RequestChannel(f.session.ID))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		defer sub.Close()
		select {
		case <-sub.Messages():
			done <- f.broker.Resolve(context.Background(), f.session.ID, f.session.Token, resp)
		case <-time.After(5 * time.Second):
			done <- context.DeadlineExceeded
		}
	}()
	return done
}

func TestDispatchRoundTrip(t *testing.T) {
	f := newFixture(t)

	report := json.RawMessage(`{"actions":[{"ref":"btn-1","ok":true}],"elapsed_ms":42}`)
	req := &types.ExecuteRequest{
		RequestID: id.NewRequestID().String(),
		Actions:   []json.RawMessage{json.RawMessage(`{"kind":"click","ref":"btn-1"}`)},
		Fields:    []json.RawMessage{json.RawMessage(`{"ref":"btn-1"}`)},
	}

	resolved := f.resolveWhenPublished(t, &types.ExecuteResponse{RequestID: req.RequestID, Report: report})

	resp, err := f.broker.Dispatch(context.Background(), f.session.ID, f.session.Token, req, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, <-resolved)

	exec, ok := resp.(*types.ExecuteResponse)
	require.True(t, ok)
	if !bytes.Equal(report, exec.Report) {
		t.Fatalf("report not preserved byte-for-byte: %s != %s", report, exec.Report)
	}
}

func TestDispatchWithoutPresenceFailsFast(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.presence.Disconnect(context.Background(), f.session.ID))

	req := &types.SnapshotRequest{RequestID: id.NewRequestID().String(), Instruction: "look"}

	start := time.Now()
	_, err := f.broker.Dispatch(context.Background(), f.session.ID, f.session.Token, req, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, types.CodeNoBrowser, types.CodeOf(err))
	assert.Less(t, elapsed, 40*time.Millisecond, "NO_BROWSER must not wait for the timeout")
}

func TestDispatchUnauthorized(t *testing.T) {
	f := newFixture(t)

	req := &types.SnapshotRequest{RequestID: id.NewRequestID().String(), Instruction: "look"}
	_, err := f.broker.Dispatch(context.Background(), f.session.ID, "wrong-token", req, time.Second)
	assert.Equal(t, types.CodeUnauthorized, types.CodeOf(err))
}

func TestDispatchTimeout(t *testing.T) {
	f := newFixture(t)

	req := &types.SnapshotRequest{RequestID: id.NewRequestID().String(), Instruction: "look"}
	_, err := f.broker.Dispatch(context.Background(), f.session.ID, f.session.Token, req, 50*time.Millisecond)

	require.Error(t, err)
	assert.Equal(t, types.CodeTimeout, types.CodeOf(err))
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	f := newFixture(t)
	requestID := id.NewRequestID().String()

	first := make(chan error, 1)
	go func() {
		_, err := f.broker.Dispatch(context.Background(), f.session.ID, f.session.Token,
			&types.SnapshotRequest{RequestID: requestID, Instruction: "first"}, time.Second)
		first <- err
	}()

	// Wait for the first dispatch to take the pending marker.
	require.Eventually(t, func() bool {
		_, err := f.store.Get(context.Background(), pendingKey(f.session.ID, requestID))
		return err == nil
	}, time.Second, 5*time.Millisecond)

	_, err := f.broker.Dispatch(context.Background(), f.session.ID, f.session.Token,
		&types.SnapshotRequest{RequestID: requestID, Instruction: "second"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidResponse, types.CodeOf(err))

	// Let the first dispatch time out and clean up, then the id is free.
	assert.Equal(t, types.CodeTimeout, types.CodeOf(<-first))

	resolved := f.resolveWhenPublished(t, &types.SnapshotResponse{
		RequestID: requestID,
		Fields:    []json.RawMessage{json.RawMessage(`{"ref":"input-1"}`)},
	})
	_, err = f.broker.Dispatch(context.Background(), f.session.ID, f.session.Token,
		&types.SnapshotRequest{RequestID: requestID, Instruction: "third"}, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, <-resolved)
}

func TestResolveWithoutPending(t *testing.T) {
	f := newFixture(t)

	err := f.broker.Resolve(context.Background(), f.session.ID, f.session.Token,
		&types.SnapshotResponse{RequestID: id.NewRequestID().String()})
	require.Error(t, err)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestResolveTypeMismatchReleasesWaiter(t *testing.T) {
	f := newFixture(t)
	req := &types.SnapshotRequest{RequestID: id.NewRequestID().String(), Instruction: "look"}

	// Answer the snapshot request with an execute response.
	resolved := f.resolveWhenPublished(t, &types.ExecuteResponse{
		RequestID: req.RequestID,
		Report:    json.RawMessage(`{}`),
	})

	_, err := f.broker.Dispatch(context.Background(), f.session.ID, f.session.Token, req, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidResponse, types.CodeOf(err),
		"waiter should fail fast on mismatch, not time out")

	resolveErr := <-resolved
	require.Error(t, resolveErr)
	assert.Equal(t, types.CodeInvalidResponse, types.CodeOf(resolveErr))
}

func TestErrorResponsePassesThrough(t *testing.T) {
	f := newFixture(t)
	req := &types.ExecuteRequest{RequestID: id.NewRequestID().String()}

	resolved := f.resolveWhenPublished(t, &types.ErrorResponse{
		RequestID: req.RequestID,
		Message:   "element not found",
	})

	_, err := f.broker.Dispatch(context.Background(), f.session.ID, f.session.Token, req, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidResponse, types.CodeOf(err))
	assert.Contains(t, err.Error(), "element not found")
	require.NoError(t, <-resolved)
}

func TestConcurrentDispatchesOnOneSession(t *testing.T) {
	f := newFixture(t)

	sub, err := f.store.Subscribe(context.Background(), RequestChannel(f.session.ID))
	require.NoError(t, err)
	defer sub.Close()

	// Answer every published request with a matching snapshot response.
	go func() {
		for payload := range sub.Messages() {
			req, err := types.DecodeRequest(payload)
			if err != nil {
				continue
			}
			f.broker.Resolve(context.Background(), f.session.ID, f.session.Token,
				&types.SnapshotResponse{RequestID: req.ID(), Fields: nil})
		}
	}()

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := f.broker.Dispatch(context.Background(), f.session.ID, f.session.Token,
				&types.SnapshotRequest{RequestID: id.NewRequestID().String(), Instruction: "go"}, 5*time.Second)
			errs <- err
		}()
	}

	for i := 0; i < n; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestCleanupRemovesMarkerAndResponse(t *testing.T) {
	f := newFixture(t)
	req := &types.SnapshotRequest{RequestID: id.NewRequestID().String(), Instruction: "look"}

	resolved := f.resolveWhenPublished(t, &types.SnapshotResponse{RequestID: req.RequestID})
	_, err := f.broker.Dispatch(context.Background(), f.session.ID, f.session.Token, req, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, <-resolved)

	_, err = f.store.Get(context.Background(), pendingKey(f.session.ID, req.RequestID))
	assert.ErrorIs(t, err, store.ErrNotFound, "pending marker must be deleted")

	_, err = f.store.Get(context.Background(), responseKey(f.session.ID, req.RequestID))
	assert.ErrorIs(t, err, store.ErrNotFound, "stored response must be deleted")
}

func TestClampTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, clampTimeout(0))
	assert.Equal(t, DefaultTimeout, clampTimeout(-time.Second))
	assert.Equal(t, MaxTimeout, clampTimeout(10*time.Minute))
	assert.Equal(t, 3*time.Second, clampTimeout(3*time.Second))
}
