package procfs

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writePID(t *testing.T, path string, pid int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644))
}

// deadPID returns the pid of a process that has already exited and been reaped.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestProbeLiveProcess(t *testing.T) {
	dir := t.TempDir()
	writePID(t, filepath.Join(dir, "ffmpeg_alpha.pid"), os.Getpid())

	p := New(filepath.Join(dir, "ffmpeg_${channel}.pid"), "", testLogger())
	pid, alive := p.Probe("alpha")
	assert.True(t, alive)
	assert.Equal(t, os.Getpid(), pid)
}

func TestProbeDeadProcess(t *testing.T) {
	dir := t.TempDir()
	writePID(t, filepath.Join(dir, "ffmpeg_alpha.pid"), deadPID(t))

	p := New(filepath.Join(dir, "ffmpeg_${channel}.pid"), "", testLogger())
	pid, alive := p.Probe("alpha")
	assert.False(t, alive)
	assert.Zero(t, pid)
}

func TestProbeFallsBackToLegacyFile(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "ffmpeg.pid")
	writePID(t, legacy, os.Getpid())

	p := New(filepath.Join(dir, "ffmpeg_${channel}.pid"), legacy, testLogger())
	assert.Equal(t, legacy, p.PIDFile("alpha"))

	pid, alive := p.Probe("alpha")
	assert.True(t, alive)
	assert.Equal(t, os.Getpid(), pid)
}

func TestProbePrefersChannelFile(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "ffmpeg.pid")
	writePID(t, legacy, os.Getpid())
	writePID(t, filepath.Join(dir, "ffmpeg_alpha.pid"), deadPID(t))

	p := New(filepath.Join(dir, "ffmpeg_${channel}.pid"), legacy, testLogger())
	_, alive := p.Probe("alpha")
	assert.False(t, alive, "channel file must win over the legacy file")
}

func TestProbeBadContent(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"garbage":  "not-a-pid",
		"empty":    "",
		"zero":     "0",
		"negative": "-1",
	} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name+".pid"), []byte(body), 0o644))
			p := New(filepath.Join(dir, "${channel}.pid"), "", testLogger())
			_, alive := p.Probe(name)
			assert.False(t, alive)
		})
	}
}

func TestProbeMissingFile(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "ffmpeg_${channel}.pid"), "", testLogger())
	_, alive := p.Probe("alpha")
	assert.False(t, alive)
}

func TestCmdline(t *testing.T) {
	p := New("", "", testLogger())
	if _, err := os.Stat("/proc/self/cmdline"); err != nil {
		t.Skip("no procfs")
	}
	assert.NotEmpty(t, p.Cmdline(os.Getpid()))
	assert.Empty(t, p.Cmdline(deadPID(t)))
}
