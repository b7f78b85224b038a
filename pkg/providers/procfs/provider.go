package procfs

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/modoterra/onair/pkg/manifest"
)

// Prober decides whether a channel's recorded worker process still exists.
type Prober struct {
	pidFile       string // may contain ${channel}
	legacyPIDFile string // shared by single-channel deployments
	procRoot      string
	logger        *slog.Logger
}

// New creates a prober for the given PID file templates. legacyPIDFile may
// be empty when no shared fallback exists.
func New(pidFile, legacyPIDFile string, logger *slog.Logger) *Prober {
	return &Prober{
		pidFile:       pidFile,
		legacyPIDFile: legacyPIDFile,
		procRoot:      "/proc",
		logger:        logger,
	}
}

// PIDFile returns the PID file that applies to channel: the per-channel
// file if present, otherwise the legacy shared file.
func (p *Prober) PIDFile(channel string) string {
	path := manifest.ExpandChannel(p.pidFile, channel)
	if _, err := os.Stat(path); err == nil || p.legacyPIDFile == "" {
		return path
	}
	return p.legacyPIDFile
}

// Probe reads the channel's PID file and checks the process table.
// It returns the pid only when the process is alive.
func (p *Prober) Probe(channel string) (int, bool) {
	path := p.PIDFile(channel)
	pid, err := readPID(path)
	if err != nil {
		return 0, false
	}
	if !Alive(pid) {
		p.logger.Debug("stale pid file", "channel", channel, "path", path, "pid", pid)
		return 0, false
	}
	return pid, true
}

// Alive sends signal 0 to pid. Any failure, including EPERM, counts as dead.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// Cmdline returns the command line of pid, or "" when unavailable.
func (p *Prober) Cmdline(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/cmdline", p.procRoot, pid))
	if err != nil {
		return ""
	}
	cmd := strings.ReplaceAll(string(data), "\x00", " ")
	return strings.TrimSpace(cmd)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}
