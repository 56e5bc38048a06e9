package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotEmpty(t, cfg.HTTPAddr, "HTTPAddr should not be empty")
	assert.NotEmpty(t, cfg.PIDPath, "PIDPath should not be empty")
	assert.Greater(t, cfg.Timeout, time.Duration(0), "Timeout should be positive")
	assert.Greater(t, cfg.ShutdownGracePeriod, time.Duration(0), "ShutdownGracePeriod should be positive")
}

func TestDefaultConfig_PIDPathInStateDir(t *testing.T) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	expectedDir := filepath.Join(home, ".folder-mcp")
	assert.True(t, strings.HasPrefix(cfg.PIDPath, expectedDir),
		"PIDPath should be in ~/.folder-mcp/")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid default config",
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name: "empty HTTP address",
			config: Config{
				HTTPAddr:            "",
				PIDPath:             "/tmp/test.pid",
				Timeout:             30 * time.Second,
				ShutdownGracePeriod: 5 * time.Second,
			},
			wantErr: true,
			errMsg:  "HTTP address",
		},
		{
			name: "empty PID path",
			config: Config{
				HTTPAddr:            "127.0.0.1:7848",
				PIDPath:             "",
				Timeout:             30 * time.Second,
				ShutdownGracePeriod: 5 * time.Second,
			},
			wantErr: true,
			errMsg:  "PID path",
		},
		{
			name: "zero timeout",
			config: Config{
				HTTPAddr:            "127.0.0.1:7848",
				PIDPath:             "/tmp/test.pid",
				Timeout:             0,
				ShutdownGracePeriod: 5 * time.Second,
			},
			wantErr: true,
			errMsg:  "timeout",
		},
		{
			name: "zero shutdown grace period",
			config: Config{
				HTTPAddr:            "127.0.0.1:7848",
				PIDPath:             "/tmp/test.pid",
				Timeout:             30 * time.Second,
				ShutdownGracePeriod: 0,
			},
			wantErr: true,
			errMsg:  "grace period",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_WithCustomPaths(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "custom.pid")

	cfg := Config{
		HTTPAddr:            "127.0.0.1:9999",
		PIDPath:             pidPath,
		Timeout:             60 * time.Second,
		ShutdownGracePeriod: 5 * time.Second,
	}

	err := cfg.Validate()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.HTTPAddr)
	assert.Equal(t, pidPath, cfg.PIDPath)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.Equal(t, 5*time.Second, cfg.ShutdownGracePeriod)
}

func TestConfig_EnsureDir(t *testing.T) {
	tmpDir := t.TempDir()
	nestedDir := filepath.Join(tmpDir, "nested", "deeply")
	pidPath := filepath.Join(nestedDir, "daemon.pid")

	cfg := Config{
		HTTPAddr:            "127.0.0.1:7848",
		PIDPath:             pidPath,
		Timeout:             30 * time.Second,
		ShutdownGracePeriod: 5 * time.Second,
	}

	_, err := os.Stat(nestedDir)
	require.True(t, os.IsNotExist(err))

	err = cfg.EnsureDir()
	require.NoError(t, err)

	info, err := os.Stat(nestedDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestConfig_BaseURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7848", Config{HTTPAddr: "127.0.0.1:7848"}.baseURL())
	assert.Equal(t, "http://127.0.0.1:7848", Config{HTTPAddr: ":7848"}.baseURL())
}
