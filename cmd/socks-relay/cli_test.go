package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"socks-relay/internal/config"
	"socks-relay/internal/testutil"
	"socks-relay/pkg/logger"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "socks-relay.yaml")

	out, err := execute(t, "config", "init", "--output", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "config", "init", "--output", path)
	assert.Error(t, err, "existing file must not be replaced without --force")

	_, err = execute(t, "config", "init", "--output", path, "--force")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 2080\nlog:\n  level: debug\n"), 0o644))
	out, err = execute(t, "--config", path, "config", "show")
	require.NoError(t, err)

	var shown config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	assert.Equal(t, 2080, shown.Server.Port)
	assert.Equal(t, "debug", shown.Log.Level)
	assert.Equal(t, config.DefaultBufferSize, shown.Relay.BufferSize)
}

func TestServeRejectsInvalidFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "socks-relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	_, err := execute(t, "--config", path, "serve", "--port", "70000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.DNS.Server = testutil.StartDNSServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, logger.Discard()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
