package core

// LogBatch is a group of log lines delivered to a subscriber in one push.
type LogBatch struct {
	Channel  string   `json:"channel"`
	Lines    []string `json:"lines"`
	Backlog  bool     `json:"backlog,omitempty"` // initial burst sent on subscribe
	TsUnixMs int64    `json:"ts_unix_ms"`
}
