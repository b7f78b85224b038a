package core

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestChannelStatusMarshalFlattensExtra(t *testing.T) {
	s := ChannelStatus{
		Name:      "alpha",
		Running:   true,
		Streaming: true,
		PID:       42,
		Extra: map[string]any{
			"current_video": "a.mp4",
			"running":       false, // reconciled field wins
		},
	}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["current_video"] != "a.mp4" {
		t.Errorf("current_video: got %v", got["current_video"])
	}
	if got["running"] != true {
		t.Errorf("running: got %v, want true", got["running"])
	}
	if got["pid"] != float64(42) {
		t.Errorf("pid: got %v", got["pid"])
	}
	if got["last_activity"] != nil {
		t.Errorf("last_activity: got %v, want null", got["last_activity"])
	}
}

func TestChannelStatusUnmarshal(t *testing.T) {
	in := `{"name":"beta","running":true,"streaming":false,"pid":null,"uptime":12,"last_activity":"10:00:01"}`
	var s ChannelStatus
	if err := json.Unmarshal([]byte(in), &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "beta" || !s.Running || s.Streaming || s.PID != 0 {
		t.Errorf("unexpected status: %+v", s)
	}
	if s.LastActivity != "10:00:01" {
		t.Errorf("last_activity: got %q", s.LastActivity)
	}
	if s.Field("uptime") != "12" {
		t.Errorf("uptime: got %q", s.Field("uptime"))
	}
}

func TestChannelStatusState(t *testing.T) {
	tests := []struct {
		s    ChannelStatus
		want string
	}{
		{ChannelStatus{}, "offline"},
		{ChannelStatus{Running: true}, "running"},
		{ChannelStatus{Running: true, Streaming: true}, "live"},
	}
	for _, tt := range tests {
		if got := tt.s.State(); got != tt.want {
			t.Errorf("State(%+v) = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestValidateChannel(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"alpha", false},
		{"lofi-beats_2", false},
		{"", true},
		{".", true},
		{"..", true},
		{"../etc", true},
		{"a/b", true},
		{`a\b`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChannel(tt.name)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidChannel) {
					t.Errorf("expected ErrInvalidChannel, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseAction(t *testing.T) {
	for _, s := range []string{"stop", "restart", "reload"} {
		if a, ok := ParseAction(s); !ok || string(a) != s {
			t.Errorf("ParseAction(%q) = %q, %v", s, a, ok)
		}
	}
	if _, ok := ParseAction("kill"); ok {
		t.Error("kill should not be a valid action")
	}
}
