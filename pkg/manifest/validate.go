package manifest

import (
	"fmt"
	"strings"

	"github.com/modoterra/onair/pkg/core"
)

// Validate checks the manifest for structural correctness.
func Validate(m *Manifest) []error {
	var errs []error

	if m.Version != 1 {
		errs = append(errs, fmt.Errorf("version must be 1, got %d", m.Version))
	}

	for name, v := range map[string]string{
		"paths.logs":     m.Paths.Logs,
		"paths.stats":    m.Paths.Stats,
		"paths.control":  m.Paths.Control,
		"paths.pid_file": m.Paths.PIDFile,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if m.Paths.LegacyPIDFile != "" && strings.Contains(m.Paths.LegacyPIDFile, "${channel}") {
		errs = append(errs, fmt.Errorf("paths.legacy_pid_file must not depend on ${channel}"))
	}

	if m.Scan.Window < 1 {
		errs = append(errs, fmt.Errorf("scan.window must be positive, got %d", m.Scan.Window))
	}
	if m.Scan.ErrorLookback < 0 || m.Scan.ErrorLookback > m.Scan.Window {
		errs = append(errs, fmt.Errorf("scan.error_lookback must be between 0 and scan.window (%d), got %d", m.Scan.Window, m.Scan.ErrorLookback))
	}
	for _, p := range m.Scan.StreamingPatterns {
		if p == "" {
			errs = append(errs, fmt.Errorf("scan.streaming_patterns: empty pattern matches every line"))
			break
		}
	}
	for _, p := range m.Scan.ErrorPatterns {
		if p == "" {
			errs = append(errs, fmt.Errorf("scan.error_patterns: empty pattern matches every line"))
			break
		}
	}

	if m.Tail.Interval <= 0 {
		errs = append(errs, fmt.Errorf("tail.interval must be positive, got %s", m.Tail.Interval))
	}
	if m.Tail.Backlog < 0 {
		errs = append(errs, fmt.Errorf("tail.backlog must not be negative, got %d", m.Tail.Backlog))
	}
	if m.Poll.Interval <= 0 {
		errs = append(errs, fmt.Errorf("poll.interval must be positive, got %s", m.Poll.Interval))
	}

	seen := make(map[string]bool, len(m.Channels))
	for _, ch := range m.Channels {
		if err := core.ValidateChannel(ch); err != nil {
			errs = append(errs, fmt.Errorf("channels: %w", err))
			continue
		}
		if seen[ch] {
			errs = append(errs, fmt.Errorf("channels: duplicate channel %q", ch))
		}
		seen[ch] = true
	}

	return errs
}
