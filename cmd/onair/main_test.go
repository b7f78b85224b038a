package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modoterra/onair/pkg/core"
	"github.com/modoterra/onair/pkg/daemon"
	"github.com/modoterra/onair/pkg/manifest"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestManifestValidateCommand(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "onair.yaml")
	content := []byte(`version: 1
root: /app
channels: [lofi]
paths:
  pid_file: ${root}/ffmpeg_${channel}.pid
  legacy_pid_file: ${root}/ffmpeg.pid
`)
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "manifest", "validate", tmp)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "valid (1 channels)") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestManifestValidateInvalid(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "bad.yaml")
	content := []byte(`version: 2
root: /app
scan:
  window: 5
  error_lookback: 9
`)
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "manifest", "validate", tmp)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(out, "error(s)") {
		t.Errorf("expected error listing, got: %s", out)
	}
}

func TestManifestInitContainer(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"lofi.env", "example.env"} {
		if err := os.WriteFile(filepath.Join(root, "config", name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tmp := filepath.Join(t.TempDir(), "onair.yaml")
	out, err := execute(t, "manifest", "init", "container", "--root", root, "--output", tmp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "1 channels") {
		t.Errorf("unexpected output: %s", out)
	}

	m, err := manifest.Load(tmp)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Channels) != 1 || m.Channels[0] != "lofi" {
		t.Errorf("channels = %v", m.Channels)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "onair ") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestPrintStatus(t *testing.T) {
	buf := &bytes.Buffer{}
	err := printStatus(buf, []core.ChannelStatus{
		{Name: "lofi", Running: true, Streaming: true, PID: 42, LastActivity: "10:00:00",
			Extra: map[string]any{"current_video": "rain.mp4"}},
		{Name: "jazz"},
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"CHANNEL", "lofi", "live", "42", "rain.mp4", "jazz", "offline"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := printStatus(buf, []core.ChannelStatus{{Name: "jazz"}}, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"pid": null`) {
		t.Errorf("json output missing null pid:\n%s", buf.String())
	}
}

func TestCommandsAgainstDaemon(t *testing.T) {
	root := t.TempDir()
	m := manifest.Default(root)
	for _, dir := range []string{m.Paths.Logs, m.Paths.Control, m.Paths.Config} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(m.Paths.Config, "lofi.env"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.LogFile("lofi"), []byte("a\nb\nc\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sock := filepath.Join(t.TempDir(), "onair.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	d := daemon.New(sock, m, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		d.Shutdown()
	})
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	out, err := execute(t, "--socket", sock, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "lofi") || !strings.Contains(out, "offline") {
		t.Errorf("unexpected status output:\n%s", out)
	}

	out, err = execute(t, "--socket", sock, "restart", "lofi")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.Paths.Control, "lofi_restart")); err != nil {
		t.Errorf("restart marker not written: %v (output %s)", err, out)
	}

	out, err = execute(t, "--socket", sock, "logs", "lofi", "-n", "2")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "b\nc\n" {
		t.Errorf("logs output = %q", out)
	}

	if _, err := execute(t, "--socket", sock, "stop", "../lofi"); err == nil {
		t.Error("expected error for invalid channel")
	}
}
