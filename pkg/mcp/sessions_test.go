package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lakeflow/pkg/schema"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("run-1", "session-abc")
	sid, ok := r.SessionFor("run-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	_, ok = r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("run-1", "session-old")
	r.Register("run-1", "session-new")

	sid, ok := r.SessionFor("run-1")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
}

func TestSessionRegistry_RemoveAndForget(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("run-1", "session-abc")
	r.Register("run-2", "session-abc")
	r.Register("run-3", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("run-1")
	assert.False(t, ok, "run-1 should be removed")
	_, ok = r.SessionFor("run-2")
	assert.False(t, ok, "run-2 should be removed")

	sid, ok := r.SessionFor("run-3")
	assert.True(t, ok, "run-3 should still exist")
	assert.Equal(t, "session-xyz", sid)

	r.Forget("run-3")
	_, ok = r.SessionFor("run-3")
	assert.False(t, ok)
}

func TestMCPNotifier_NoWatcher(t *testing.T) {
	s := NewPipelineServer(PipelineServerDeps{})
	assert.NoError(t, s.notifier.Notify(context.Background(), "run-1", map[string]any{"x": 1}))
}

func TestMCPNotifier_DisconnectedSessionIsDropped(t *testing.T) {
	s := NewPipelineServer(PipelineServerDeps{})
	s.sessions.Register("run-1", "gone")
	s.sessions.Register("run-2", "gone")

	require.NoError(t, s.notifier.Notify(context.Background(), "run-1", map[string]any{"x": 1}))

	_, ok := s.sessions.SessionFor("run-2")
	assert.False(t, ok)
}

func TestNotifyOutcome_ForgetsRun(t *testing.T) {
	h := newToolHarness(t)
	runID := h.startAndWait(t, validParams())
	h.server.sessions.Register(runID, "gone")

	err := h.server.notifyOutcome(context.Background(), runID, schema.StateAwaitRefresh, schema.StateSucceeded)
	require.NoError(t, err)

	_, ok := h.server.sessions.SessionFor(runID)
	assert.False(t, ok)
}
