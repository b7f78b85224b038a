package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidChannel is returned when a channel name cannot be mapped onto
// the per-channel files safely.
var ErrInvalidChannel = errors.New("invalid channel name")

// Snapshot status values written by the worker.
const (
	SnapshotRunning = "running"
	SnapshotStopped = "stopped"
	SnapshotUnknown = "unknown"
)

// ChannelStatus is the reconciled view of one channel.
// It is rebuilt on every query and never persisted.
type ChannelStatus struct {
	Name         string
	Running      bool
	Streaming    bool
	PID          int    // 0 when no live process was confirmed
	LastActivity string // empty when the log held no timestamped activity
	// Extra holds snapshot fields merged in verbatim. Keys that collide
	// with the reconciled fields above are ignored on encode.
	Extra map[string]any
}

var reservedKeys = map[string]bool{
	"name":          true,
	"running":       true,
	"streaming":     true,
	"pid":           true,
	"last_activity": true,
}

// MarshalJSON flattens Extra into the same object as the reconciled fields.
func (s ChannelStatus) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+5)
	for k, v := range s.Extra {
		if reservedKeys[k] {
			continue
		}
		out[k] = v
	}
	out["name"] = s.Name
	out["running"] = s.Running
	out["streaming"] = s.Streaming
	if s.PID > 0 {
		out["pid"] = s.PID
	} else {
		out["pid"] = nil
	}
	if s.LastActivity != "" {
		out["last_activity"] = s.LastActivity
	} else {
		out["last_activity"] = nil
	}
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON; unknown keys land in Extra.
func (s *ChannelStatus) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ChannelStatus{}
	for k, v := range raw {
		switch k {
		case "name":
			s.Name, _ = v.(string)
		case "running":
			s.Running, _ = v.(bool)
		case "streaming":
			s.Streaming, _ = v.(bool)
		case "pid":
			if f, ok := v.(float64); ok {
				s.PID = int(f)
			}
		case "last_activity":
			s.LastActivity, _ = v.(string)
		default:
			if s.Extra == nil {
				s.Extra = make(map[string]any)
			}
			s.Extra[k] = v
		}
	}
	return nil
}

// Field returns a snapshot field as a display string.
func (s ChannelStatus) Field(key string) string {
	v, ok := s.Extra[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// State summarises the status as a single word for listings.
func (s ChannelStatus) State() string {
	switch {
	case s.Streaming:
		return "live"
	case s.Running:
		return "running"
	default:
		return "offline"
	}
}

// ValidateChannel rejects names that are empty or could escape the
// configured directories.
func ValidateChannel(name string) error {
	if name == "" || name == "." || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`+"\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	return nil
}
