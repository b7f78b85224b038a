package filetail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modoterra/onair/pkg/core"
)

const testInterval = 20 * time.Millisecond

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	r := NewRegistry(context.Background(), dir, Config{Interval: testInterval, Backlog: 50, Buffer: 16}, testLogger())
	t.Cleanup(r.Close)
	return r, dir
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func nextBatch(t *testing.T, ch <-chan core.LogBatch) core.LogBatch {
	t.Helper()
	select {
	case b, ok := <-ch:
		require.True(t, ok, "stream closed")
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for log batch")
	}
	return core.LogBatch{}
}

// collect gathers incremental lines until quiet for several cycles.
func collect(ch <-chan core.LogBatch) []string {
	var lines []string
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return lines
			}
			lines = append(lines, b.Lines...)
		case <-time.After(10 * testInterval):
			return lines
		}
	}
}

func TestSubscribeDeliversBacklogFirst(t *testing.T) {
	r, dir := newTestRegistry(t)
	var b strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	appendLog(t, filepath.Join(dir, "alpha.log"), b.String())

	_, ch, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)

	batch := nextBatch(t, ch)
	assert.True(t, batch.Backlog)
	assert.Equal(t, "alpha", batch.Channel)
	require.Len(t, batch.Lines, 50)
	assert.Equal(t, "line 10", batch.Lines[0])
	assert.Equal(t, "line 59", batch.Lines[49])
}

func TestSubscribeWithoutLogFile(t *testing.T) {
	r, dir := newTestRegistry(t)
	_, ch, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)

	batch := nextBatch(t, ch)
	assert.True(t, batch.Backlog)
	assert.Empty(t, batch.Lines)

	appendLog(t, filepath.Join(dir, "alpha.log"), "first\n")
	assert.Equal(t, []string{"first"}, collect(ch))
}

func TestTwoSubscribersEachGetOneCopy(t *testing.T) {
	r, dir := newTestRegistry(t)
	path := filepath.Join(dir, "alpha.log")
	appendLog(t, path, "old\n")

	_, ch1, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	_, ch2, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)

	assert.Equal(t, []string{"old"}, nextBatch(t, ch1).Lines)
	assert.Equal(t, []string{"old"}, nextBatch(t, ch2).Lines)
	assert.Equal(t, []string{"alpha"}, r.Tailing(), "one loop per channel")

	appendLog(t, path, "fresh\n")

	assert.Equal(t, []string{"fresh"}, collect(ch1))
	assert.Equal(t, []string{"fresh"}, collect(ch2))
}

func TestLateSubscriberBacklogJoinsStream(t *testing.T) {
	r, dir := newTestRegistry(t)
	path := filepath.Join(dir, "alpha.log")

	_, ch1, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	nextBatch(t, ch1)

	appendLog(t, path, "a\n")
	assert.Equal(t, []string{"a"}, collect(ch1))

	_, ch2, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, nextBatch(t, ch2).Lines)

	appendLog(t, path, "b\n")
	assert.Equal(t, []string{"b"}, collect(ch1))
	assert.Equal(t, []string{"b"}, collect(ch2))
}

func TestTruncationResetsCursor(t *testing.T) {
	r, dir := newTestRegistry(t)
	path := filepath.Join(dir, "alpha.log")
	appendLog(t, path, strings.Repeat("x", 100)+"\n")

	_, ch, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	nextBatch(t, ch)

	require.NoError(t, os.Truncate(path, 0))
	time.Sleep(3 * testInterval)
	appendLog(t, path, "0123456789")

	assert.Equal(t, []string{"0123456789"}, collect(ch))
}

func TestReplacedFileIsReadFromStart(t *testing.T) {
	r, dir := newTestRegistry(t)
	path := filepath.Join(dir, "alpha.log")
	appendLog(t, path, "old line\n")

	_, ch, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	nextBatch(t, ch)

	tmp := filepath.Join(dir, "alpha.log.new")
	require.NoError(t, os.WriteFile(tmp, []byte("rotated 1\nrotated 2\nrotated 3\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	assert.Equal(t, []string{"rotated 1", "rotated 2", "rotated 3"}, collect(ch))
}

func TestPartialLineCompletedLater(t *testing.T) {
	r, dir := newTestRegistry(t)
	path := filepath.Join(dir, "alpha.log")

	_, ch, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	nextBatch(t, ch)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("frame= 1 fps=30 ")
	require.NoError(t, err)
	_, err = f.WriteString("bitrate=2500k\nnext\n")
	require.NoError(t, err)

	assert.Equal(t, []string{"frame= 1 fps=30 bitrate=2500k", "next"}, collect(ch))
}

func TestLastUnsubscribeStopsLoop(t *testing.T) {
	r, _ := newTestRegistry(t)

	h1, ch1, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	h2, ch2, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alpha": 2}, r.Subscribers())

	require.NoError(t, r.Unsubscribe(h1))
	assert.Equal(t, []string{"alpha"}, r.Tailing())
	for range ch1 {
	}

	require.NoError(t, r.Unsubscribe(h2))
	assert.Empty(t, r.Tailing())
	for range ch2 {
	}

	// Unknown and repeated handles are ignored.
	assert.NoError(t, r.Unsubscribe(h2))
	assert.NoError(t, r.Unsubscribe("nope"))
}

func TestResubscribeAfterStop(t *testing.T) {
	r, dir := newTestRegistry(t)
	path := filepath.Join(dir, "alpha.log")

	h, _, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	require.NoError(t, r.Unsubscribe(h))

	appendLog(t, path, "while away\n")

	_, ch, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"while away"}, nextBatch(t, ch).Lines)

	appendLog(t, path, "back\n")
	assert.Equal(t, []string{"back"}, collect(ch))
}

func TestChannelsAreIndependent(t *testing.T) {
	r, dir := newTestRegistry(t)

	_, chA, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	_, chB, err := r.Subscribe(context.Background(), "beta")
	require.NoError(t, err)
	nextBatch(t, chA)
	nextBatch(t, chB)
	assert.Equal(t, []string{"alpha", "beta"}, r.Tailing())

	appendLog(t, filepath.Join(dir, "alpha.log"), "for alpha\n")
	appendLog(t, filepath.Join(dir, "beta.log"), "for beta\n")

	assert.Equal(t, []string{"for alpha"}, collect(chA))
	assert.Equal(t, []string{"for beta"}, collect(chB))
}

func TestSubscribeInvalidChannel(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, _, err := r.Subscribe(context.Background(), "../etc/passwd")
	assert.True(t, errors.Is(err, core.ErrInvalidChannel))
	assert.Empty(t, r.Tailing())
}

func TestCloseEndsStreams(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(context.Background(), dir, Config{Interval: testInterval, Backlog: 50}, testLogger())

	_, ch, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)

	r.Close()
	for range ch {
	}
	assert.Empty(t, r.Tailing())

	_, _, err = r.Subscribe(context.Background(), "alpha")
	assert.Error(t, err)
}

func TestSlowSubscriberDoesNotStall(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(context.Background(), dir, Config{Interval: testInterval, Backlog: 50, Buffer: 1}, testLogger())
	t.Cleanup(r.Close)
	path := filepath.Join(dir, "alpha.log")

	_, slow, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	_, fast, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	nextBatch(t, fast)

	// slow never reads; its single slot holds the backlog.
	for i := 0; i < 5; i++ {
		appendLog(t, path, fmt.Sprintf("line %d\n", i))
		assert.Equal(t, []string{fmt.Sprintf("line %d", i)}, collect(fast))
	}
	assert.Len(t, slow, 1)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		got := backoff(tt.failures)
		if got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestProgressLinesDeliveredWhileStreaming(t *testing.T) {
	r, dir := newTestRegistry(t)
	path := filepath.Join(dir, "alpha.log")
	progress := "frame=  100 fps=30 bitrate=2500k speed=1x"

	_, ch, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	nextBatch(t, ch)

	w, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer w.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if _, err := w.WriteString(progress + "\r"); err != nil {
				t.Error(err)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	batch := nextBatch(t, ch)
	select {
	case <-done:
		t.Fatal("no progress line delivered while the log kept growing")
	default:
	}
	require.NotEmpty(t, batch.Lines)
	for _, line := range batch.Lines {
		assert.Equal(t, progress, line)
	}
	<-done
}

func TestCRLFSplitAcrossCycles(t *testing.T) {
	r, dir := newTestRegistry(t)
	path := filepath.Join(dir, "alpha.log")

	_, ch, err := r.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	nextBatch(t, ch)

	appendLog(t, path, "a\r")
	assert.Equal(t, []string{"a"}, collect(ch))
	appendLog(t, path, "\nb\r\n")
	assert.Equal(t, []string{"b"}, collect(ch))
}

func newTestFeed(t *testing.T, path string) (*feed, chan core.LogBatch) {
	t.Helper()
	f := newFeed("alpha", path, Config{Interval: testInterval, Backlog: 50, Buffer: 16}, testLogger())
	s := &subscriber{handle: "h", channel: "alpha", ch: make(chan core.LogBatch, 16)}
	f.subs[s.handle] = s
	return f, s.ch
}

func TestBacklogExcludesUnfinishedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alpha.log")
	appendLog(t, path, "done\nhalf")

	f, ch := newTestFeed(t, path)
	info, err := os.Stat(path)
	require.NoError(t, err)
	f.ident = info
	f.cursor.Offset, f.skipLF = lineStart(path, info.Size())
	assert.Equal(t, int64(5), f.cursor.Offset)
	assert.Equal(t, []string{"done"}, f.backlog())

	require.NoError(t, f.poll())
	assert.Equal(t, "half", string(f.partial))
	assert.Equal(t, []string{"done"}, f.backlog())
	assert.Empty(t, ch)

	appendLog(t, path, " line\n")
	require.NoError(t, f.poll())
	require.Len(t, ch, 1)
	assert.Equal(t, []string{"half line"}, (<-ch).Lines)
	assert.Equal(t, []string{"done", "half line"}, f.backlog())
}

func TestLineStart(t *testing.T) {
	tests := []struct {
		content string
		offset  int64
		skipLF  bool
	}{
		{"", 0, false},
		{"half", 0, false},
		{"a\n", 2, false},
		{"a\nb", 2, false},
		{"a\r", 2, true},
		{"a\rb", 2, false},
		{"a\r\n", 3, false},
	}
	for _, tt := range tests {
		path := filepath.Join(t.TempDir(), "alpha.log")
		require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
		offset, skipLF := lineStart(path, int64(len(tt.content)))
		assert.Equal(t, tt.offset, offset, "%q", tt.content)
		assert.Equal(t, tt.skipLF, skipLF, "%q", tt.content)
	}
}

func TestSplitCapsUnterminatedLine(t *testing.T) {
	f, _ := newTestFeed(t, filepath.Join(t.TempDir(), "alpha.log"))

	assert.Empty(t, f.split([]byte(strings.Repeat("x", maxPartial-1))))
	lines := f.split([]byte("yz"))
	require.Len(t, lines, 1)
	assert.Len(t, lines[0], maxPartial+1)
	assert.Empty(t, f.partial)

	assert.Equal(t, []string{"a"}, f.split([]byte("a\r")))
	assert.Equal(t, []string{"b"}, f.split([]byte("\nb\n")))
	assert.Empty(t, f.partial)
}
