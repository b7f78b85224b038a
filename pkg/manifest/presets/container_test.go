package presets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/modoterra/onair/pkg/manifest"
)

func TestGenerateContainer_DiscoversChannels(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config")
	os.MkdirAll(cfg, 0755)
	os.MkdirAll(filepath.Join(dir, "logs"), 0755)
	for _, name := range []string{"beta.env", "alpha.env", "example.env", "notes.txt"} {
		os.WriteFile(filepath.Join(cfg, name), []byte("VIDEO_FPS=30\n"), 0644)
	}

	m, err := GenerateContainer(dir)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if len(m.Channels) != 2 || m.Channels[0] != "alpha" || m.Channels[1] != "beta" {
		t.Errorf("channels: got %v", m.Channels)
	}
	if m.Paths.LegacyPIDFile != filepath.Join(dir, "ffmpeg.pid") {
		t.Errorf("legacy pid: got %q", m.Paths.LegacyPIDFile)
	}
	if m.Paths.Logs != filepath.Join(dir, "logs") {
		t.Errorf("logs: got %q", m.Paths.Logs)
	}

	if errs := manifest.Validate(m); len(errs) != 0 {
		t.Errorf("validation errors: %v", errs)
	}
}

func TestGenerateContainer_NotAWorkerRoot(t *testing.T) {
	if _, err := GenerateContainer(t.TempDir()); err == nil {
		t.Error("expected error for directory without config/")
	}
}
