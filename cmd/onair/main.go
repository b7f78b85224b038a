package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/modoterra/onair/internal/buildinfo"
	"github.com/modoterra/onair/pkg/core"
	"github.com/modoterra/onair/pkg/daemon/service"
	"github.com/modoterra/onair/pkg/manifest"
	"github.com/modoterra/onair/pkg/manifest/presets"
	"github.com/modoterra/onair/pkg/transport/uds"
	tuimodel "github.com/modoterra/onair/pkg/tui/model"
)

var (
	socketPath   string
	manifestPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "onair",
	Short:        "Status dashboard for streaming worker channels",
	Long:         "onair shows which channels are on air, follows their logs and sends stop/restart/reload requests to the workers.",
	SilenceUsage: true,
	RunE:         runTUI,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/tmp/onair.sock", "daemon socket path")
	rootCmd.PersistentFlags().StringVar(&manifestPath, "manifest", manifest.DefaultFile, "manifest path")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(serviceCmd)
	for _, action := range []core.Action{core.ActionStop, core.ActionRestart, core.ActionReload} {
		rootCmd.AddCommand(actionCommand(action))
	}
}

// --- Root: TUI ---

func runTUI(_ *cobra.Command, _ []string) error {
	ensureDaemon()
	app := tuimodel.New(socketPath)
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// ensureDaemon starts onaird in the background when no socket exists.
func ensureDaemon() {
	if _, err := os.Stat(socketPath); err == nil {
		return
	}
	cmd := exec.Command("onaird", "--socket", socketPath, "--manifest", manifestPath)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Start()
	for i := 0; i < 30; i++ {
		if _, err := os.Stat(socketPath); err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "warning: could not start daemon, continuing anyway")
}

func dialDaemon() (*uds.Client, error) {
	client, err := uds.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon at %s: %w", socketPath, err)
	}
	return client, nil
}

// call performs one request on a fresh connection.
func call(method string, req, out any) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Call(ctx, method, req, out)
}

// --- Ping ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if daemon is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var pong uds.PingResponse
		if err := call(uds.MethodPing, nil, &pong); err != nil {
			return err
		}
		if pong.Pong {
			fmt.Fprintf(cmd.OutOrStdout(), "pong ✓ (onaird %s)\n", pong.Version)
		}
		return nil
	},
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "onair %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	},
}

// --- Status ---

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [channel]",
	Short: "Show the reconciled status of every channel",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var channels []core.ChannelStatus
		if len(args) == 1 {
			var st core.ChannelStatus
			if err := call(uds.MethodGetStatus, uds.ChannelRequest{Channel: args[0]}, &st); err != nil {
				return err
			}
			channels = []core.ChannelStatus{st}
		} else if err := call(uds.MethodListChannels, nil, &channels); err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), channels, statusJSON)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func printStatus(w io.Writer, channels []core.ChannelStatus, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(channels)
	}

	if len(channels) == 0 {
		fmt.Fprintln(w, "no channels")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tSTATE\tPID\tLAST ACTIVITY\tVIDEO")
	for _, st := range channels {
		pid := "-"
		if st.PID > 0 {
			pid = fmt.Sprint(st.PID)
		}
		activity := st.LastActivity
		if activity == "" {
			activity = "-"
		}
		video := st.Field("current_video")
		if video == "" {
			video = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.Name, st.State(), pid, activity, video)
	}
	return tw.Flush()
}

// --- Stop / Restart / Reload ---

func actionCommand(action core.Action) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <channel>...",
		Short: "Ask the worker of each channel to " + string(action),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialDaemon()
			if err != nil {
				return err
			}
			defer client.Close()

			var errs []string
			for _, channel := range args {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				var resp uds.ActionResponse
				err := client.Call(ctx, uds.MethodAction, uds.ActionRequest{
					Channel: channel,
					Action:  string(action),
				}, &resp)
				cancel()
				if err != nil {
					errs = append(errs, fmt.Sprintf("%s: %v", channel, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s → %s ✓\n", action, channel)
				if resp.Pending {
					fmt.Fprintf(cmd.OutOrStdout(), "  previous %s request not yet picked up by the worker\n", action)
				}
			}
			if len(errs) > 0 {
				return fmt.Errorf("errors:\n  %s", strings.Join(errs, "\n  "))
			}
			return nil
		},
	}
}

// --- Logs ---

var (
	logsLines  int
	logsFollow bool
)

var logsCmd = &cobra.Command{
	Use:   "logs <channel>",
	Short: "Print the tail of a channel's log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel := args[0]
		out := cmd.OutOrStdout()

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
		defer reqCancel()

		var tail uds.LogsTailResponse
		if err := client.Call(reqCtx, uds.MethodLogsTail, uds.LogsTailRequest{Channel: channel, Lines: logsLines}, &tail); err != nil {
			return err
		}
		for _, line := range tail.Lines {
			fmt.Fprintln(out, line)
		}
		if !logsFollow {
			return nil
		}

		batches := make(chan uds.LogsBatchEvent, 64)
		client.OnEvent(func(msg uds.Message) {
			if msg.Method != uds.EventLogsBatch {
				return
			}
			var batch uds.LogsBatchEvent
			if msg.UnmarshalData(&batch) == nil && !batch.Backlog {
				batches <- batch
			}
		})
		var sub uds.SubscribeResponse
		if err := client.Call(reqCtx, uds.MethodLogsSubscribe, uds.ChannelRequest{Channel: channel}, &sub); err != nil {
			return err
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-client.Done():
				return errors.New("daemon closed the connection")
			case batch := <-batches:
				for _, line := range batch.Lines {
					fmt.Fprintln(out, line)
				}
			}
		}
	},
}

func init() {
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "number of lines to show")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "stream new lines as they are written")
}

// --- Manifest ---

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Manage the onair.yaml manifest",
}

var manifestInitCmd = &cobra.Command{
	Use:   "init [preset]",
	Short: "Generate an onair.yaml manifest",
	Long:  "Available presets: container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		preset := args[0]
		switch preset {
		case "container":
			m, err := presets.GenerateContainer(manifestInitRoot)
			if err != nil {
				return err
			}
			path := manifestInitOutput
			if err := manifest.Save(m, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated %s with %d channels\n", path, len(m.Channels))
			for _, name := range m.Channels {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", name)
			}
			return nil
		default:
			return fmt.Errorf("unknown preset: %s (available: container)", preset)
		}
	},
}

var (
	manifestInitRoot   string
	manifestInitOutput string
)

func init() {
	manifestInitCmd.Flags().StringVar(&manifestInitRoot, "root", "/app", "worker root directory")
	manifestInitCmd.Flags().StringVar(&manifestInitOutput, "output", manifest.DefaultFile, "output file path")
	manifestCmd.AddCommand(manifestInitCmd)
	manifestCmd.AddCommand(manifestValidateCmd)
}

var manifestValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate an onair.yaml manifest",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := manifestPath
		if len(args) > 0 {
			path = args[0]
		}

		m, err := manifest.Load(path)
		if err != nil {
			return err
		}

		errs := manifest.Validate(m)
		if len(errs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d channels)\n", path, len(m.Channels))
			return nil
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d error(s)\n", path, len(errs))
		for _, e := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "  • %s\n", e)
		}
		return fmt.Errorf("%s is invalid", path)
	},
}

// --- Service ---

var serviceHTTP string

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the onaird systemd user service",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start onaird as a systemd user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		u := service.Unit{Manifest: manifestPath, Socket: socketPath, HTTPAddr: serviceHTTP}
		if err := service.Install(u); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "onaird service installed ✓")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the onaird systemd user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Uninstall(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "onaird service removed ✓")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon socket and service state",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), service.Status(socketPath))
	},
}

func init() {
	serviceInstallCmd.Flags().StringVar(&serviceHTTP, "http", "", "also serve /ws/logs on this address")
	serviceCmd.AddCommand(serviceInstallCmd, serviceUninstallCmd, serviceStatusCmd)
}
