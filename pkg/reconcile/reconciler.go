// Package reconcile merges the PID file, the stats snapshot and the log
// into one authoritative status per channel.
package reconcile

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/modoterra/onair/pkg/core"
	"github.com/modoterra/onair/pkg/manifest"
	"github.com/modoterra/onair/pkg/providers/logs/scanner"
	"github.com/modoterra/onair/pkg/providers/procfs"
	"github.com/modoterra/onair/pkg/providers/snapshot"
)

// SnapshotReader loads a channel's stats snapshot.
type SnapshotReader interface {
	Read(channel string) (map[string]any, bool)
}

// LivenessProber checks a channel's recorded process.
type LivenessProber interface {
	Probe(channel string) (pid int, alive bool)
	Cmdline(pid int) string
}

// SignalScanner inspects the tail of a channel's log.
type SignalScanner interface {
	Scan(channel string) (scanner.Signals, error)
}

// Sources are the inputs of a Reconciler.
type Sources struct {
	Snapshots SnapshotReader
	Prober    LivenessProber
	Scanner   SignalScanner

	// ConfigDir holds one <channel>.env per channel; may be empty.
	ConfigDir string
	// Channels are always listed, even without a config file.
	Channels []string
}

// Reconciler implements core.StatusProvider.
type Reconciler struct {
	src    Sources
	logger *slog.Logger
}

var _ core.StatusProvider = (*Reconciler)(nil)

// New creates a reconciler over src.
func New(src Sources, logger *slog.Logger) *Reconciler {
	return &Reconciler{src: src, logger: logger}
}

// FromManifest wires the file-backed sources described by m.
func FromManifest(m *manifest.Manifest, logger *slog.Logger) *Reconciler {
	return New(Sources{
		Snapshots: snapshot.New(m.Paths.Stats, logger),
		Prober:    procfs.New(m.Paths.PIDFile, m.Paths.LegacyPIDFile, logger),
		Scanner: scanner.New(m.Paths.Logs, scanner.Config{
			Window:            m.Scan.Window,
			ErrorLookback:     m.Scan.ErrorLookback,
			StreamingPatterns: m.Scan.StreamingPatterns,
			ErrorPatterns:     m.Scan.ErrorPatterns,
		}, logger),
		ConfigDir: m.Paths.Config,
		Channels:  m.Channels,
	}, logger)
}

// Status re-derives the channel's status from the files on disk. It never
// fails: every unreadable input degrades towards "offline".
func (r *Reconciler) Status(_ context.Context, channel string) core.ChannelStatus {
	st := core.ChannelStatus{Name: channel}
	if core.ValidateChannel(channel) != nil {
		return st
	}

	// 1. The snapshot is the baseline.
	fields, ok := r.src.Snapshots.Read(channel)
	snapRunning := false
	if ok {
		st.Extra = fields
		snapRunning = fields["status"] == core.SnapshotRunning
	}
	st.Running = snapRunning

	// 2. The process table overrides the snapshot.
	pid, alive := r.src.Prober.Probe(channel)
	switch {
	case alive:
		st.Running = true
		st.PID = pid
		if _, set := st.Extra["cmdline"]; !set {
			if cmd := r.src.Prober.Cmdline(pid); cmd != "" {
				if st.Extra == nil {
					st.Extra = make(map[string]any)
				}
				st.Extra["cmdline"] = cmd
			}
		}
	case snapRunning:
		r.logger.Debug("snapshot stale, process gone", "channel", channel)
		st.Running = false
		st.Streaming = false
	}

	// 3 and 4. The log decides whether a live process is on air.
	if st.Running {
		sig, err := r.src.Scanner.Scan(channel)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			st.Streaming = true
		case err != nil:
			r.logger.Debug("log unreadable", "channel", channel, "err", err)
			st.Streaming = st.Running
		default:
			if sig.RecentError {
				st.Streaming = false
				st.Running = false
			} else if sig.StreamingActive {
				st.Streaming = true
			}
			st.LastActivity = sig.LastActivity
		}
	}

	if !st.Running {
		st.Streaming = false
	}
	return st
}

// List returns the status of every known channel, sorted by name.
func (r *Reconciler) List(ctx context.Context) []core.ChannelStatus {
	names := r.Channels()
	out := make([]core.ChannelStatus, 0, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		out = append(out, r.Status(ctx, name))
	}
	return out
}

// Channels returns the configured channels plus every <name>.env in the
// config directory except example.env, sorted and deduplicated.
func (r *Reconciler) Channels() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if seen[name] || core.ValidateChannel(name) != nil {
			return
		}
		seen[name] = true
		names = append(names, name)
	}

	for _, name := range r.src.Channels {
		add(name)
	}
	if r.src.ConfigDir != "" {
		matches, err := filepath.Glob(filepath.Join(r.src.ConfigDir, "*.env"))
		if err != nil {
			r.logger.Debug("channel discovery failed", "dir", r.src.ConfigDir, "err", err)
		}
		for _, p := range matches {
			name := strings.TrimSuffix(filepath.Base(p), ".env")
			if name == "example" {
				continue
			}
			add(name)
		}
	}

	sort.Strings(names)
	return names
}
