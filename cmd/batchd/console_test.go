package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/GorshkovIvan/voice-agent/internal/assistant"
	"github.com/GorshkovIvan/voice-agent/internal/batch/batchtest"
	"github.com/GorshkovIvan/voice-agent/internal/channel"
	"github.com/GorshkovIvan/voice-agent/internal/logger"
	"github.com/GorshkovIvan/voice-agent/internal/orchestrator"
	"github.com/GorshkovIvan/voice-agent/internal/poller"
	"github.com/GorshkovIvan/voice-agent/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTools(t *testing.T) (*assistant.Tools, *batchtest.Service) {
	store, err := storage.OpenSQLite(t.TempDir() + "/results.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	service := batchtest.New()
	orch, err := orchestrator.New(orchestrator.Config{
		Poller: poller.Config{Interval: time.Millisecond},
	}, orchestrator.Deps{Service: service, Store: store, Logger: logger.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { orch.Shutdown(context.Background()) })

	return assistant.NewTools(orch), service
}

func TestHandleCommand(t *testing.T) {
	tools, service := newTestTools(t)
	service.QueueIDs("batch_x")
	service.DefaultScript(batchtest.Running())
	ctx := context.Background()

	reply, quit := handleCommand(ctx, tools, "submit write a haiku")
	assert.False(t, quit)
	assert.Contains(t, reply, "Job ID: batch_x")

	reply, _ = handleCommand(ctx, tools, "result batch_x")
	assert.Contains(t, reply, "still")

	reply, _ = handleCommand(ctx, tools, "STATUS")
	assert.Contains(t, reply, "Job batch_x: write a haiku")

	reply, _ = handleCommand(ctx, tools, "submit")
	assert.Equal(t, "What should the task be?", reply)

	reply, _ = handleCommand(ctx, tools, "dance")
	assert.Equal(t, consoleHelp, reply)

	reply, _ = handleCommand(ctx, tools, "   ")
	assert.Empty(t, reply)

	_, quit = handleCommand(ctx, tools, "quit")
	assert.True(t, quit)
}

func TestRunConsole(t *testing.T) {
	tools, _ := newTestTools(t)
	var out strings.Builder
	console := channel.NewConsole(&out, 0)

	runConsole(context.Background(), strings.NewReader("status\nquit\nstatus\n"), console, tools, logger.Discard())

	text := out.String()
	assert.True(t, strings.HasPrefix(text, consoleHelp+"\n"))
	assert.Contains(t, text, "No tasks found.\n")
	assert.True(t, strings.HasSuffix(text, "Goodbye.\n"))
}
