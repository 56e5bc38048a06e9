package cmd

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeCmd_HasFolderFlag(t *testing.T) {
	cmd := newServeCmd()
	flag := cmd.Flags().Lookup("folder")
	require.NotNil(t, flag)
	assert.Equal(t, "", flag.DefValue)
}

func TestServeCmd_HasDebugFlag(t *testing.T) {
	cmd := newServeCmd()
	flag := cmd.Flags().Lookup("debug")
	assert.NotNil(t, flag, "serve should have --debug flag")
	assert.Equal(t, "false", flag.DefValue)
}

func TestServeCmd_HasTransportFlag(t *testing.T) {
	cmd := newServeCmd()
	flag := cmd.Flags().Lookup("transport")
	assert.NotNil(t, flag, "serve should have --transport flag")
	assert.Equal(t, "stdio", flag.DefValue)
}

func TestServeCmd_HasSessionFlag(t *testing.T) {
	cmd := newServeCmd()
	flag := cmd.Flags().Lookup("session")
	assert.NotNil(t, flag, "serve should have --session flag")
	assert.Equal(t, "", flag.DefValue)
}

func TestRunServe_RejectsNonStdioTransport(t *testing.T) {
	err := runServe(context.Background(), t.TempDir(), "", "websocket", "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport")
}

func TestRunServe_AcceptsStdioAndRegistersFolder(t *testing.T) {
	// A folder is registered against the daemon root even with a fresh
	// temp dir; the call only fails once it tries to block on stdio, which
	// we cut short with a cancelled context.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := runServe(ctx, t.TempDir(), "", "stdio", "", false)
	// Either it returns a context-related error or nil after the context
	// deadline cuts Serve short; what matters is it didn't reject the
	// transport or folder registration.
	if err != nil {
		assert.NotContains(t, err.Error(), "unsupported transport")
		assert.NotContains(t, err.Error(), "register folder")
	}
}

func TestVerifyStdinForMCP_DoesNotPanic(t *testing.T) {
	err := verifyStdinForMCP()
	if err != nil {
		assert.True(t,
			strings.Contains(err.Error(), "terminal") ||
				strings.Contains(err.Error(), "pipe") ||
				strings.Contains(err.Error(), "stdin"),
			"error should mention stdin/terminal/pipe, got: %v", err)
	}
}
