package presets

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/modoterra/onair/pkg/manifest"
)

// GenerateContainer creates a manifest for the single-container layout
// where every worker shares one root (logs/, stats/, control/, config/)
// and the first worker also writes ffmpeg.pid at the root.
func GenerateContainer(root string) (*manifest.Manifest, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	configDir := filepath.Join(absRoot, "config")
	info, err := os.Stat(configDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s does not appear to be a worker root (no config directory)", absRoot)
	}

	m := manifest.Default(absRoot)
	m.Paths.LegacyPIDFile = filepath.Join(absRoot, "ffmpeg.pid")

	channels, err := envChannels(configDir)
	if err != nil {
		return nil, err
	}
	m.Channels = channels

	return m, nil
}

func envChannels(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.env"))
	if err != nil {
		return nil, fmt.Errorf("list channel configs: %w", err)
	}
	var names []string
	for _, p := range matches {
		name := strings.TrimSuffix(filepath.Base(p), ".env")
		if name == "example" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
