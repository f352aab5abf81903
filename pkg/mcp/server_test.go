package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPipelineServer(t *testing.T) {
	s := NewPipelineServer(PipelineServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewPipelineServer(PipelineServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	expectedTools := []string{
		"pipeline.start",
		"pipeline.status",
		"pipeline.cancel",
		"pipeline.resume",
		"pipeline.query",
		"pipeline.diagram",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"start", "pipeline.start", "Start a pipeline run. Returns the run id immediately; the run proceeds in the background"},
		{"status", "pipeline.status", "Get status, current state, failure reason and poll attempts of a run"},
		{"query", "pipeline.query", "Query runs, run events, or scheduled triggers"},
	}

	s := NewPipelineServer(PipelineServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
