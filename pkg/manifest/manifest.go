package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the manifest name looked up in the working directory.
const DefaultFile = "onair.yaml"

// Manifest represents an onair.yaml deployment description.
type Manifest struct {
	Version  int      `yaml:"version"  json:"version"`
	Root     string   `yaml:"root"     json:"root"`
	Paths    Paths    `yaml:"paths"    json:"paths"`
	Channels []string `yaml:"channels" json:"channels,omitempty"`
	Scan     Scan     `yaml:"scan"     json:"scan"`
	Tail     Tail     `yaml:"tail"     json:"tail"`
	Poll     Poll     `yaml:"poll"     json:"poll"`

	// FilePath is where the manifest was loaded from.
	FilePath string `yaml:"-" json:"-"`
}

// Paths locates the files shared with the workers. PIDFile and
// LegacyPIDFile may contain ${channel}.
type Paths struct {
	Logs          string `yaml:"logs"            json:"logs"`
	Stats         string `yaml:"stats"           json:"stats"`
	Control       string `yaml:"control"         json:"control"`
	Config        string `yaml:"config"          json:"config"`
	PIDFile       string `yaml:"pid_file"        json:"pid_file"`
	LegacyPIDFile string `yaml:"legacy_pid_file" json:"legacy_pid_file,omitempty"`
}

// Scan configures the log signal heuristics.
type Scan struct {
	Window            int      `yaml:"window"             json:"window"`
	ErrorLookback     int      `yaml:"error_lookback"     json:"error_lookback"`
	StreamingPatterns []string `yaml:"streaming_patterns" json:"streaming_patterns"`
	ErrorPatterns     []string `yaml:"error_patterns"     json:"error_patterns"`
}

// Tail configures live log delivery.
type Tail struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
	Backlog  int           `yaml:"backlog"  json:"backlog"`
	Buffer   int           `yaml:"buffer"   json:"buffer"` // batches queued per subscriber
}

// Poll configures the status refresh loop.
type Poll struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// DefaultStreamingPatterns mark lines written while the encoder is pushing data.
var DefaultStreamingPatterns = []string{
	"Streaming to",
	"rtmp://",
	"frame=",
	"fps=",
	"bitrate=",
	"speed=",
	"[INFO] Stream iniciado",
	"[INFO] Iniciando stream",
}

// DefaultErrorPatterns mark lines that indicate a failing stream.
var DefaultErrorPatterns = []string{
	"ERROR",
	"Error",
	"failed",
	"Failed",
	"Connection refused",
	"Connection timed out",
	"Network is unreachable",
}

// Default returns a manifest for the given root with all defaults applied.
func Default(root string) *Manifest {
	m := &Manifest{Version: 1, Root: root}
	ApplyDefaults(m)
	return m
}

// ApplyDefaults fills zero values. Paths default to directories under Root.
func ApplyDefaults(m *Manifest) {
	if m.Paths.Logs == "" {
		m.Paths.Logs = filepath.Join(m.Root, "logs")
	}
	if m.Paths.Stats == "" {
		m.Paths.Stats = filepath.Join(m.Root, "stats")
	}
	if m.Paths.Control == "" {
		m.Paths.Control = filepath.Join(m.Root, "control")
	}
	if m.Paths.Config == "" {
		m.Paths.Config = filepath.Join(m.Root, "config")
	}
	if m.Paths.PIDFile == "" {
		m.Paths.PIDFile = filepath.Join(m.Root, "ffmpeg_${channel}.pid")
	}
	if m.Scan.Window == 0 {
		m.Scan.Window = 50
	}
	if m.Scan.ErrorLookback == 0 {
		m.Scan.ErrorLookback = 10
	}
	if len(m.Scan.StreamingPatterns) == 0 {
		m.Scan.StreamingPatterns = append([]string(nil), DefaultStreamingPatterns...)
	}
	if len(m.Scan.ErrorPatterns) == 0 {
		m.Scan.ErrorPatterns = append([]string(nil), DefaultErrorPatterns...)
	}
	if m.Tail.Interval == 0 {
		m.Tail.Interval = time.Second
	}
	if m.Tail.Backlog == 0 {
		m.Tail.Backlog = 50
	}
	if m.Tail.Buffer == 0 {
		m.Tail.Buffer = 64
	}
	if m.Poll.Interval == 0 {
		m.Poll.Interval = 2 * time.Second
	}
}

// Parse decodes manifest YAML, expands ${root} and applies defaults.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	interpolate(&m)
	ApplyDefaults(&m)
	return &m, nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	m.FilePath = path
	return m, nil
}

// Save writes the manifest to path as YAML.
func Save(m *Manifest, path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func interpolate(m *Manifest) {
	r := strings.NewReplacer("${root}", m.Root)
	p := &m.Paths
	for _, s := range []*string{&p.Logs, &p.Stats, &p.Control, &p.Config, &p.PIDFile, &p.LegacyPIDFile} {
		*s = r.Replace(*s)
	}
}

// ExpandChannel substitutes ${channel} in a path template.
func ExpandChannel(tmpl, channel string) string {
	return strings.ReplaceAll(tmpl, "${channel}", channel)
}

// LogFile returns the log path of channel.
func (m *Manifest) LogFile(channel string) string {
	return filepath.Join(m.Paths.Logs, channel+".log")
}

// StatsFile returns the snapshot path of channel.
func (m *Manifest) StatsFile(channel string) string {
	return filepath.Join(m.Paths.Stats, channel+".json")
}
