package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/eventengine/internal/constants"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// fakeEngine accepts one connection and returns what was written to it.
func fakeEngine(t *testing.T, reply string) (string, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, constants.DefaultReadBufferSize)
		n, _ := conn.Read(buf)
		if reply != "" {
			_, _ = conn.Write([]byte(reply))
		} else {
			_, _ = io.Copy(io.Discard, conn)
		}
		got <- buf[:n]
	}()
	return ln.Addr().String(), got
}

func TestCommandStructure(t *testing.T) {
	names := map[string]*cobra.Command{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = c
	}
	for _, want := range []string{"serve", "send", "ping", "config", "version"} {
		assert.Contains(t, names, want)
	}

	sub := map[string]bool{}
	for _, c := range configCmd.Commands() {
		sub[c.Name()] = true
	}
	assert.True(t, sub["validate"])
	assert.True(t, sub["show"])
}

func TestServeFlags(t *testing.T) {
	f := serveCmd.Flags()
	require.NoError(t, f.Parse([]string{"-c", "/tmp/engine.toml", "-l", "debug"}))
	t.Cleanup(func() {
		configPath = constants.DefaultConfigPath
		logLevel = ""
	})

	assert.Equal(t, "/tmp/engine.toml", configPath)
	assert.Equal(t, "debug", logLevel)
	assert.Equal(t, constants.DefaultEnvPath, f.Lookup("env").DefValue)
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{name: "empty", raw: "", want: map[string]any{}},
		{name: "null", raw: "null", want: map[string]any{}},
		{name: "object", raw: `{"chat_id": 42, "text": "hi"}`, want: map[string]any{"chat_id": float64(42), "text": "hi"}},
		{name: "array", raw: `[1,2]`, wantErr: true},
		{name: "garbage", raw: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSendCommand(t *testing.T) {
	addr, got := fakeEngine(t, "")

	out, err := execute(t, "send", "--event", "RECORD", "--params", `{"name":"alice"}`, "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "RECORD sent to "+addr)

	select {
	case data := <-got:
		var wire map[string]any
		require.NoError(t, json.Unmarshal(data, &wire))
		assert.Equal(t, "RECORD", wire["event"])
		assert.Equal(t, map[string]any{"name": "alice"}, wire["params"])
		assert.NotContains(t, wire, "error_count")
	case <-time.After(3 * time.Second):
		t.Fatal("message not received")
	}
}

func TestSendCommand_RequiresEvent(t *testing.T) {
	_, err := execute(t, "send", "--event", " ", "--addr", "127.0.0.1:1")
	assert.ErrorContains(t, err, "--event is required")
}

func TestPingCommand(t *testing.T) {
	addr, got := fakeEngine(t, constants.HelloReply)

	out, err := execute(t, "ping", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "HI from "+addr)

	data := <-got
	assert.Contains(t, string(data), constants.EventHello)
}

func TestPingCommand_BadReply(t *testing.T) {
	addr, _ := fakeEngine(t, "NOPE")

	_, err := execute(t, "ping", "--addr", addr, "--timeout", "1s")
	assert.Error(t, err)
}

func TestConfigValidateCommand(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.toml")
	require.NoError(t, os.WriteFile(valid, []byte("[engine]\nport = 9000\nworkers = 2\n"), 0o600))
	out, err := execute(t, "config", "validate", valid)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")

	invalid := filepath.Join(dir, "invalid.toml")
	require.NoError(t, os.WriteFile(invalid, []byte("[engine]\nport = 70000\n"), 0o600))
	out, err = execute(t, "config", "validate", invalid)
	assert.Error(t, err)
	assert.Contains(t, out, "engine.port")

	_, err = execute(t, "config", "validate", filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestConfigShowCommand_MasksSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	content := "[store]\ndriver = \"postgres\"\ndsn = \"postgres://user:topsecretpass@db/app\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	out, err := execute(t, "config", "show", path)
	require.NoError(t, err)
	assert.Contains(t, out, "[engine]")
	assert.NotContains(t, out, "topsecretpass")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: "+Version)
	assert.Contains(t, out, "Git Commit:")
}

func TestLoadServeConfig_DefaultFallback(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadServeConfig(constants.DefaultConfigPath)
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultPort, cfg.Engine.Port)

	_, err = loadServeConfig("explicit-missing.toml")
	assert.Error(t, err)
}
