package snapshot

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
)

// Reader loads the stats snapshot each worker writes to <dir>/<channel>.json.
type Reader struct {
	dir    string
	logger *slog.Logger
}

// New creates a snapshot reader rooted at dir.
func New(dir string, logger *slog.Logger) *Reader {
	return &Reader{dir: dir, logger: logger}
}

// Read returns the snapshot fields for channel. A missing, unreadable or
// malformed snapshot yields ok=false and an empty map.
func (r *Reader) Read(channel string) (map[string]any, bool) {
	path := filepath.Join(r.dir, channel+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]any{}, false
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		// Usually a torn write; the next poll will see the full file.
		r.logger.Debug("snapshot unreadable", "channel", channel, "path", path, "err", err)
		return map[string]any{}, false
	}
	return fields, true
}

// Defaults returns the placeholder stats reported when a channel has
// never written a snapshot.
func Defaults() map[string]any {
	return map[string]any{
		"status":        "unknown",
		"uptime":        0,
		"current_video": "N/A",
		"video_count":   0,
		"last_restart":  nil,
		"next_restart":  nil,
	}
}

// Stats returns the snapshot for channel, or Defaults when there is none.
func (r *Reader) Stats(channel string) map[string]any {
	if fields, ok := r.Read(channel); ok {
		return fields
	}
	return Defaults()
}
