// Package control asks external workers to stop, restart or reload by
// dropping marker files into a shared control directory.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/modoterra/onair/pkg/core"
)

// Provider writes <channel>_<action> markers. The worker consumes and
// deletes them; nothing here waits for or verifies that.
type Provider struct {
	dir    string
	logger *slog.Logger
}

// New creates a dispatcher for the control directory dir.
func New(dir string, logger *slog.Logger) *Provider {
	return &Provider{dir: dir, logger: logger}
}

func (p *Provider) Name() string { return "control" }

// Action touches the marker for action on channel.
func (p *Provider) Action(_ context.Context, channel string, action core.Action) error {
	if err := core.ValidateChannel(channel); err != nil {
		return err
	}
	if _, ok := core.ParseAction(string(action)); !ok {
		return fmt.Errorf("unsupported action %q", action)
	}

	path := p.MarkerPath(channel, action)
	if err := touch(path); err != nil {
		return fmt.Errorf("touch marker %s: %w", path, err)
	}
	p.logger.Info("command dispatched", "channel", channel, "action", action, "marker", path)
	return nil
}

// RequestStop asks the channel's worker to stop streaming.
func (p *Provider) RequestStop(channel string) error {
	return p.Action(context.Background(), channel, core.ActionStop)
}

// RequestRestart asks the channel's worker to restart its stream.
func (p *Provider) RequestRestart(channel string) error {
	return p.Action(context.Background(), channel, core.ActionRestart)
}

// RequestReload asks the channel's worker to re-read its configuration.
func (p *Provider) RequestReload(channel string) error {
	return p.Action(context.Background(), channel, core.ActionReload)
}

// MarkerPath returns the marker file for action on channel.
func (p *Provider) MarkerPath(channel string, action core.Action) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s_%s", channel, action))
}

// Pending reports whether the marker for action is still waiting to be
// consumed by the worker.
func (p *Provider) Pending(channel string, action core.Action) bool {
	_, err := os.Stat(p.MarkerPath(channel, action))
	return err == nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	now := time.Now()
	return os.Chtimes(path, now, now)
}
