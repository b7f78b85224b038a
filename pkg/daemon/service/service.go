// Package service manages the onaird systemd user service unit.
package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const unitName = "onaird.service"

// Unit describes how the daemon is launched by systemd.
type Unit struct {
	Binary   string // absolute path to onaird
	Manifest string // absolute path to onair.yaml
	Socket   string
	HTTPAddr string // optional WebSocket listener
}

// ExecStart renders the daemon command line.
func (u Unit) ExecStart() string {
	args := []string{u.Binary}
	if u.Manifest != "" {
		args = append(args, "--manifest", u.Manifest)
	}
	if u.Socket != "" {
		args = append(args, "--socket", u.Socket)
	}
	if u.HTTPAddr != "" {
		args = append(args, "--http", u.HTTPAddr)
	}
	return strings.Join(args, " ")
}

// UnitContents returns the systemd unit file contents for u.
func UnitContents(u Unit) string {
	return fmt.Sprintf(`[Unit]
Description=onair daemon, status and logs for streaming worker channels
Documentation=https://github.com/modoterra/onair

[Service]
Type=notify
ExecStart=%s
Restart=on-failure
RestartSec=5
WatchdogSec=30

[Install]
WantedBy=default.target
`, u.ExecStart())
}

// UnitPath returns the path to the systemd user unit file.
func UnitPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(configDir, "systemd", "user", unitName), nil
}

// Resolve fills in Binary from PATH and makes Manifest absolute.
func (u *Unit) Resolve() error {
	if u.Binary == "" {
		bin, err := exec.LookPath("onaird")
		if err != nil {
			return fmt.Errorf("onaird not found in PATH: %w", err)
		}
		u.Binary = bin
	}
	bin, err := filepath.Abs(u.Binary)
	if err != nil {
		return fmt.Errorf("cannot resolve onaird path: %w", err)
	}
	u.Binary = bin

	if u.Manifest == "" {
		return errors.New("manifest path is required")
	}
	mf, err := filepath.Abs(u.Manifest)
	if err != nil {
		return fmt.Errorf("cannot resolve manifest path: %w", err)
	}
	if _, err := os.Stat(mf); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	u.Manifest = mf
	return nil
}

// Install writes the unit file, reloads systemd, and enables+starts the service.
func Install(u Unit) error {
	if err := u.Resolve(); err != nil {
		return err
	}

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}

	if err := os.WriteFile(unitPath, []byte(UnitContents(u)), 0o644); err != nil {
		return fmt.Errorf("cannot write unit file: %w", err)
	}

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", unitName)
}

// Uninstall stops+disables the service, removes the unit file, and reloads systemd.
func Uninstall() error {
	// Best-effort stop and disable; ignore errors if not running.
	_ = systemctl("stop", unitName)
	_ = systemctl("disable", unitName)

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}

	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove unit file: %w", err)
	}

	return systemctl("daemon-reload")
}

// Status returns a human-readable status string.
func Status(socketPath string) string {
	var lines []string

	if _, err := os.Stat(socketPath); err == nil {
		lines = append(lines, "socket: active ("+socketPath+")")
	} else {
		lines = append(lines, "socket: inactive ("+socketPath+")")
	}

	unitPath, err := UnitPath()
	if err == nil {
		if _, statErr := os.Stat(unitPath); statErr == nil {
			out, runErr := exec.Command("systemctl", "--user", "is-active", unitName).Output()
			state := strings.TrimSpace(string(out))
			if runErr != nil && state == "" {
				state = "unknown"
			}
			lines = append(lines, "systemd user service: "+state)
		} else {
			lines = append(lines, "systemd user service: not installed")
		}
	}

	return strings.Join(lines, "\n")
}

func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl --user %s: %w", strings.Join(args, " "), err)
	}
	return nil
}
