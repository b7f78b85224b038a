package filetail

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/modoterra/onair/pkg/core"
	"github.com/modoterra/onair/pkg/providers/logs/scanner"
)

// maxReadPerCycle bounds how much of a burst is read in one cycle; the
// rest is picked up on the following cycles.
const maxReadPerCycle = 4 << 20

// maxPartial is the longest unterminated line held back; beyond it the
// text is published as a line of its own.
const maxPartial = 64 << 10

// Cursor is the read position of one channel's log.
type Cursor struct {
	Path   string
	Offset int64
}

// feed is the single tailing loop of a channel. It owns the cursor and
// fans new lines out to the channel's subscribers.
type feed struct {
	channel string
	cursor  Cursor
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	subs    map[string]*subscriber
	pending []*subscriber
	wake    chan struct{}

	ident    os.FileInfo // file the cursor refers to
	partial  []byte      // unterminated trailing line
	skipLF   bool        // last byte read was '\r'; a leading '\n' belongs to it
	failures int
	retryAt  time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

type subscriber struct {
	handle  string
	channel string
	ch      chan core.LogBatch
	closed  bool // guarded by the owning feed's mu
}

func newFeed(channel, path string, cfg Config, logger *slog.Logger) *feed {
	return &feed{
		channel: channel,
		cursor:  Cursor{Path: path},
		cfg:     cfg,
		logger:  logger,
		subs:    make(map[string]*subscriber),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// join queues s; the loop delivers its backlog and starts publishing to it.
func (f *feed) join(s *subscriber) {
	f.mu.Lock()
	f.pending = append(f.pending, s)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// leave detaches s and closes its stream.
func (f *feed) leave(s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, s.handle)
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (f *feed) run(ctx context.Context) {
	defer close(f.done)

	// Incremental delivery starts after the last complete line; an
	// unfinished one is read as the first delta.
	if info, err := os.Stat(f.cursor.Path); err == nil {
		f.ident = info
		f.cursor.Offset, f.skipLF = lineStart(f.cursor.Path, info.Size())
	}
	f.admit()

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.wake:
			f.admit()
		case now := <-ticker.C:
			if now.Before(f.retryAt) {
				continue
			}
			if err := f.poll(); err != nil {
				f.failures++
				delay := backoff(f.failures)
				f.retryAt = now.Add(delay)
				f.logger.Warn("log read failed", "channel", f.channel, "path", f.cursor.Path, "retry_in", delay, "err", err)
				continue
			}
			f.failures = 0
		}
	}
}

// admit serves the backlog to pending subscribers. The backlog ends at the
// cursor, so it joins seamlessly with the next incremental batch.
func (f *feed) admit() {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	backlog := f.backlog()
	batch := core.LogBatch{
		Channel:  f.channel,
		Lines:    backlog,
		Backlog:  true,
		TsUnixMs: time.Now().UnixMilli(),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range pending {
		if s.closed {
			continue
		}
		select {
		case s.ch <- batch:
		default:
		}
		f.subs[s.handle] = s
	}
}

// backlog returns the lines before the cursor. Text held in partial is
// excluded; it is published once its line completes.
func (f *feed) backlog() []string {
	end := f.cursor.Offset - int64(len(f.partial))
	if f.cfg.Backlog <= 0 || end <= 0 {
		return nil
	}
	file, err := os.Open(f.cursor.Path)
	if err != nil {
		return nil
	}
	defer file.Close()
	lines, err := scanner.LinesBefore(file, end, f.cfg.Backlog)
	if err != nil {
		f.logger.Debug("backlog read failed", "channel", f.channel, "err", err)
		return nil
	}
	return lines
}

// poll runs one tailing cycle.
func (f *feed) poll() error {
	info, err := os.Stat(f.cursor.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	if f.ident != nil && !os.SameFile(f.ident, info) {
		// Replaced by a new file: read it from the start.
		f.logger.Info("log file replaced", "channel", f.channel, "path", f.cursor.Path)
		f.reset()
	}
	f.ident = info

	size := info.Size()
	switch {
	case size < f.cursor.Offset:
		f.logger.Info("log file truncated", "channel", f.channel, "path", f.cursor.Path, "size", size, "offset", f.cursor.Offset)
		f.reset()
		return nil
	case size == f.cursor.Offset:
		f.flushPartial()
		return nil
	}

	n := size - f.cursor.Offset
	if n > maxReadPerCycle {
		n = maxReadPerCycle
	}
	buf, err := readAt(f.cursor.Path, f.cursor.Offset, n)
	if err != nil {
		return err
	}
	f.cursor.Offset += int64(len(buf))

	lines := f.split(buf)
	if len(lines) > 0 {
		f.publish(core.LogBatch{
			Channel:  f.channel,
			Lines:    lines,
			TsUnixMs: time.Now().UnixMilli(),
		})
	}
	return nil
}

func (f *feed) reset() {
	f.cursor.Offset = 0
	f.partial = nil
	f.skipLF = false
}

// split returns the complete lines in buf, keeping an unterminated tail
// for the next cycle. "\n", "\r\n" and "\r" all end a line.
func (f *feed) split(buf []byte) []string {
	if f.skipLF && len(buf) > 0 && buf[0] == '\n' {
		buf = buf[1:]
	}
	f.skipLF = false
	if len(buf) == 0 {
		return nil
	}
	f.skipLF = buf[len(buf)-1] == '\r'

	data := append(f.partial, buf...)
	lines, rest := scanner.CutLines(data)
	if len(rest) >= maxPartial {
		lines = append(lines, scanner.SplitLines(rest, 0)...)
		rest = nil
	}
	f.partial = append([]byte(nil), rest...)
	return lines
}

// flushPartial delivers an unterminated line once the file has stopped
// growing for a full cycle.
func (f *feed) flushPartial() {
	if len(f.partial) == 0 {
		return
	}
	lines := scanner.SplitLines(f.partial, 0)
	f.partial = nil
	if len(lines) > 0 {
		f.publish(core.LogBatch{
			Channel:  f.channel,
			Lines:    lines,
			TsUnixMs: time.Now().UnixMilli(),
		})
	}
}

// publish hands batch to every subscriber without blocking; a subscriber
// whose buffer is full misses the batch.
func (f *feed) publish(batch core.LogBatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		select {
		case s.ch <- batch:
		default:
			f.logger.Debug("subscriber slow, batch dropped", "channel", f.channel, "handle", s.handle, "lines", len(batch.Lines))
		}
	}
}

// lineStart returns the offset just past the last line terminator before
// size, and whether that terminator is a '\r' ending the data read.
// A final line longer than maxPartial is treated as already seen.
func lineStart(path string, size int64) (int64, bool) {
	n := min(size, int64(maxPartial))
	buf, err := readAt(path, size-n, n)
	if err != nil {
		return size, false
	}
	i := bytes.LastIndexAny(buf, "\r\n")
	switch {
	case i >= 0:
		return size - n + int64(i) + 1, buf[i] == '\r' && i == len(buf)-1
	case n == size:
		return 0, false
	default:
		return size, false
	}
}

func readAt(path string, off, n int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	buf := make([]byte, n)
	read, err := file.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}

// backoff returns exponential backoff delay: 1s, 2s, 4s, 8s, 16s, 30s max.
func backoff(failures int) time.Duration {
	if failures > 5 {
		return 30 * time.Second
	}
	d := time.Duration(1<<uint(failures-1)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
