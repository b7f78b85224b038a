package daemon

import (
	"context"
	"log/slog"
	"maps"
	"reflect"
	"sort"
	"time"

	"github.com/modoterra/onair/pkg/core"
	"github.com/modoterra/onair/pkg/transport/uds"
)

// PollLoop reconciles every channel each interval and emits delta events.
type PollLoop struct {
	daemon   *Daemon
	interval time.Duration
	logger   *slog.Logger
}

// NewPollLoop creates a poll loop for the given daemon.
func NewPollLoop(d *Daemon, interval time.Duration, logger *slog.Logger) *PollLoop {
	return &PollLoop{daemon: d, interval: interval, logger: logger}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
func (pl *PollLoop) Run(ctx context.Context) {
	pl.tick(ctx)

	ticker := time.NewTicker(pl.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pl.tick(ctx)
		}
	}
}

func (pl *PollLoop) tick(ctx context.Context) {
	current := make(map[string]core.ChannelStatus)
	for _, st := range pl.daemon.status.List(ctx) {
		current[st.Name] = st
	}

	pl.daemon.mu.Lock()
	previous := pl.daemon.channels
	pl.daemon.channels = current
	pl.daemon.mu.Unlock()

	delta := computeDelta(previous, current)
	if !delta.HasChanges() {
		return
	}
	pl.logger.Debug("channels changed",
		"added", len(delta.Added), "updated", len(delta.Updated), "removed", len(delta.Removed))

	evt, err := uds.NewEvent(uds.EventChannelsDelta, uds.ChannelsDelta(delta))
	if err != nil {
		pl.logger.Error("encode delta", "err", err)
		return
	}
	pl.daemon.Server().Broadcast(evt)
}

// Delta represents changes between poll cycles.
type Delta struct {
	Added   []core.ChannelStatus `json:"added,omitempty"`
	Updated []core.ChannelStatus `json:"updated,omitempty"`
	Removed []string             `json:"removed,omitempty"`
}

// HasChanges returns true if the delta contains any changes.
func (d Delta) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Updated) > 0 || len(d.Removed) > 0
}

func computeDelta(old, new map[string]core.ChannelStatus) Delta {
	var d Delta

	for _, name := range sortedKeys(new) {
		st := new[name]
		prev, existed := old[name]
		if !existed {
			d.Added = append(d.Added, st)
		} else if statusChanged(prev, st) {
			d.Updated = append(d.Updated, st)
		}
	}

	for _, name := range sortedKeys(old) {
		if _, exists := new[name]; !exists {
			d.Removed = append(d.Removed, name)
		}
	}

	return d
}

func statusChanged(a, b core.ChannelStatus) bool {
	return a.Running != b.Running ||
		a.Streaming != b.Streaming ||
		a.PID != b.PID ||
		a.LastActivity != b.LastActivity ||
		!reflect.DeepEqual(a.Extra, b.Extra)
}

func sortedKeys(m map[string]core.ChannelStatus) []string {
	keys := make([]string, 0, len(m))
	for k := range maps.Keys(m) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
