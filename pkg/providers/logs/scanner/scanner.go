// Package scanner derives streaming and error signals from the tail of a
// channel's log.
package scanner

import (
	"log/slog"
	"path/filepath"
	"strings"
)

// Config holds the scan windows and the ordered substring lists.
type Config struct {
	Window            int // newest lines examined
	ErrorLookback     int // newest lines of the window checked for errors
	StreamingPatterns []string
	ErrorPatterns     []string
}

// Signals is the result of scanning one log window.
type Signals struct {
	StreamingActive bool
	RecentError     bool
	LastActivity    string // bracketed timestamp of the newest streaming line
}

// Scanner reads <dir>/<channel>.log and analyses its newest lines.
type Scanner struct {
	dir    string
	cfg    Config
	logger *slog.Logger
}

// New creates a scanner over the log directory dir.
func New(dir string, cfg Config, logger *slog.Logger) *Scanner {
	return &Scanner{dir: dir, cfg: cfg, logger: logger}
}

// Path returns the log file of channel.
func (s *Scanner) Path(channel string) string {
	return filepath.Join(s.dir, channel+".log")
}

// Scan analyses the channel's log. When the log cannot be read the zero
// Signals is returned together with the error, so the caller can tell a
// missing log (fs.ErrNotExist) from an unreadable one.
func (s *Scanner) Scan(channel string) (Signals, error) {
	lines, err := LastLines(s.Path(channel), s.cfg.Window)
	if err != nil {
		return Signals{}, err
	}
	return Analyze(lines, s.cfg), nil
}

// Analyze walks lines from newest to oldest. Error patterns only count
// within the newest ErrorLookback lines; positions are tracked by index so
// duplicate lines cannot shift the lookback boundary.
func Analyze(lines []string, cfg Config) Signals {
	if cfg.Window > 0 && len(lines) > cfg.Window {
		lines = lines[len(lines)-cfg.Window:]
	}

	var sig Signals
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		age := len(lines) - 1 - i // 0 is the newest line

		if containsAny(line, cfg.StreamingPatterns) {
			sig.StreamingActive = true
			if sig.LastActivity == "" {
				if ts, ok := bracketed(line); ok {
					sig.LastActivity = ts
				}
			}
		}

		if age < cfg.ErrorLookback && containsAny(line, cfg.ErrorPatterns) {
			sig.RecentError = true
		}
	}
	return sig
}

func containsAny(line string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(line, p) {
			return true
		}
	}
	return false
}

// bracketed returns the text inside the first [...] pair of line.
func bracketed(line string) (string, bool) {
	open := strings.IndexByte(line, '[')
	if open < 0 {
		return "", false
	}
	end := strings.IndexByte(line[open+1:], ']')
	if end <= 0 {
		return "", false
	}
	return line[open+1 : open+1+end], true
}
