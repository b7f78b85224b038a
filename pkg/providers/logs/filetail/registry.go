// Package filetail streams newly appended log lines to subscribers.
package filetail

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modoterra/onair/pkg/core"
)

// Config controls tailing cadence and delivery.
type Config struct {
	Interval time.Duration // time between size checks
	Backlog  int           // lines sent to a new subscriber
	Buffer   int           // batches queued per subscriber before dropping
}

// Registry tracks log subscribers per channel. The first subscriber of a
// channel starts its tailing loop; the last one to leave stops it.
type Registry struct {
	dir    string
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	feeds   map[string]*feed
	handles map[string]*subscriber
	closed  bool
}

// NewRegistry creates a registry over the log directory dir. All tailing
// loops are bound to ctx.
func NewRegistry(ctx context.Context, dir string, cfg Config, logger *slog.Logger) *Registry {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	rctx, cancel := context.WithCancel(ctx)
	return &Registry{
		dir:     dir,
		cfg:     cfg,
		logger:  logger,
		ctx:     rctx,
		cancel:  cancel,
		feeds:   make(map[string]*feed),
		handles: make(map[string]*subscriber),
	}
}

// Subscribe registers a subscriber for channel. The first batch on the
// returned stream is the backlog; incremental batches follow.
func (r *Registry) Subscribe(_ context.Context, channel string) (string, <-chan core.LogBatch, error) {
	if err := core.ValidateChannel(channel); err != nil {
		return "", nil, err
	}

	s := &subscriber{
		handle:  uuid.NewString(),
		channel: channel,
		ch:      make(chan core.LogBatch, r.cfg.Buffer),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", nil, fmt.Errorf("subscribe %s: registry closed", channel)
	}
	f, ok := r.feeds[channel]
	if !ok {
		f = newFeed(channel, filepath.Join(r.dir, channel+".log"), r.cfg, r.logger)
		fctx, cancel := context.WithCancel(r.ctx)
		f.cancel = cancel
		r.feeds[channel] = f
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			f.run(fctx)
		}()
		r.logger.Info("tailing started", "channel", channel, "path", f.cursor.Path)
	}
	r.handles[s.handle] = s
	f.join(s)
	r.mu.Unlock()

	r.logger.Debug("log subscriber added", "channel", channel, "handle", s.handle)
	return s.handle, s.ch, nil
}

// Unsubscribe removes a subscriber and closes its stream. Unknown handles
// are ignored.
func (r *Registry) Unsubscribe(handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.handles[handle]
	if !ok {
		return nil
	}
	delete(r.handles, handle)

	f := r.feeds[s.channel]
	if f == nil {
		return nil
	}
	f.leave(s)

	if r.countLocked(s.channel) == 0 {
		f.cancel()
		delete(r.feeds, s.channel)
		r.logger.Info("tailing stopped", "channel", s.channel)
	}
	return nil
}

func (r *Registry) countLocked(channel string) int {
	n := 0
	for _, s := range r.handles {
		if s.channel == channel {
			n++
		}
	}
	return n
}

// Subscribers returns the number of subscribers per tailed channel.
func (r *Registry) Subscribers() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.feeds))
	for ch := range r.feeds {
		out[ch] = r.countLocked(ch)
	}
	return out
}

// Tailing returns the channels that currently have a tailing loop, sorted.
func (r *Registry) Tailing() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.feeds))
	for ch := range r.feeds {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Close stops every tailing loop, closes all streams and waits for the
// loops to exit. The registry rejects new subscribers afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.cancel()
	for _, s := range r.handles {
		if f := r.feeds[s.channel]; f != nil {
			f.leave(s)
		}
	}
	r.handles = make(map[string]*subscriber)
	r.feeds = make(map[string]*feed)
	r.mu.Unlock()

	r.wg.Wait()
}
