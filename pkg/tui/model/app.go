package model

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/onair/pkg/core"
	"github.com/modoterra/onair/pkg/transport/uds"
)

// maxLogLines caps the log pane's scrollback.
const maxLogLines = 500

// Pane identifies which TUI pane is focused.
type Pane int

const (
	PaneList Pane = iota
	PaneDetail
	PaneLogs
)

// Mode identifies the current interaction mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeSearch
	ModeConfirm
)

// App is the root Bubble Tea model.
type App struct {
	// Connection
	client     *uds.Client
	socketPath string
	connected  bool
	events     chan uds.Message

	// State
	channels    []core.ChannelStatus
	selectedIdx int
	stats       map[string]any
	logChannel  string
	logHandle   string
	logLines    []string
	logPaused   bool

	// UI
	activePane Pane
	mode       Mode
	search     textinput.Model
	width      int
	height     int

	// Pending confirmation
	confirmAction  core.Action
	confirmChannel string

	// Error display
	statusMsg string
}

// New creates a new TUI app model.
func New(socketPath string) App {
	si := textinput.New()
	si.Placeholder = "search..."
	si.CharLimit = 64

	return App{
		socketPath: socketPath,
		search:     si,
		activePane: PaneList,
		mode:       ModeNormal,
		events:     make(chan uds.Message, 256),
	}
}

// Init connects to the daemon.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(a.socketPath),
		tea.SetWindowTitle("onair"),
	)
}

// tickMsg triggers periodic refresh.
type tickMsg time.Time

// connectedMsg indicates successful daemon connection.
type connectedMsg struct{ client *uds.Client }

// channelsMsg carries the full channel list from the daemon.
type channelsMsg struct{ channels []core.ChannelStatus }

// statsMsg carries the raw snapshot of one channel.
type statsMsg struct {
	channel string
	stats   map[string]any
}

// subscribedMsg reports a new log subscription.
type subscribedMsg struct {
	channel string
	handle  string
}

// eventMsg wraps a server-pushed event.
type eventMsg uds.Message

// errorMsg carries an error to display.
type errorMsg struct{ err error }

// actionResultMsg carries the result of an action.
type actionResultMsg struct{ msg string }

func connectCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		client, err := uds.Dial(socketPath)
		if err != nil {
			return errorMsg{err}
		}
		return connectedMsg{client}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitEventCmd(events <-chan uds.Message) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-events)
	}
}

func fetchChannelsCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var channels []core.ChannelStatus
		if err := client.Call(ctx, uds.MethodListChannels, nil, &channels); err != nil {
			return errorMsg{err}
		}
		return channelsMsg{channels}
	}
}

func fetchStatsCmd(client *uds.Client, channel string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var stats map[string]any
		if err := client.Call(ctx, uds.MethodGetStats, uds.ChannelRequest{Channel: channel}, &stats); err != nil {
			return errorMsg{err}
		}
		return statsMsg{channel: channel, stats: stats}
	}
}

// followCmd moves the log subscription from the old handle to channel.
func followCmd(client *uds.Client, oldHandle, channel string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if oldHandle != "" {
			client.Call(ctx, uds.MethodLogsUnsubscribe, uds.UnsubscribeRequest{Handle: oldHandle}, nil)
		}
		var sub uds.SubscribeResponse
		if err := client.Call(ctx, uds.MethodLogsSubscribe, uds.ChannelRequest{Channel: channel}, &sub); err != nil {
			return errorMsg{err}
		}
		return subscribedMsg{channel: channel, handle: sub.Handle}
	}
}

func unsubscribeCmd(client *uds.Client, handle string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Call(ctx, uds.MethodLogsUnsubscribe, uds.UnsubscribeRequest{Handle: handle}, nil); err != nil {
			return errorMsg{err}
		}
		return nil
	}
}

func actionCmd(client *uds.Client, channel string, action core.Action) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := client.Call(ctx, uds.MethodAction, uds.ActionRequest{
			Channel: channel,
			Action:  string(action),
		}, nil)
		if err != nil {
			return errorMsg{err}
		}
		return actionResultMsg{msg: string(action) + " → " + channel + " requested"}
	}
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case connectedMsg:
		a.client = msg.client
		a.connected = true
		a.statusMsg = "connected"

		events := a.events
		a.client.OnEvent(func(m uds.Message) {
			select {
			case events <- m:
			default: // the UI is behind; the next poll catches up
			}
		})

		return a, tea.Batch(tickCmd(), fetchChannelsCmd(a.client), waitEventCmd(a.events))

	case tickMsg:
		if a.client != nil {
			return a, tea.Batch(tickCmd(), fetchChannelsCmd(a.client))
		}
		return a, tickCmd()

	case channelsMsg:
		a.channels = msg.channels
		return a.selectionChanged()

	case statsMsg:
		if sel := a.selectedChannel(); sel != nil && sel.Name == msg.channel {
			a.stats = msg.stats
		}
		return a, nil

	case subscribedMsg:
		if msg.channel != a.logChannel {
			return a, unsubscribeCmd(a.client, msg.handle)
		}
		a.logHandle = msg.handle
		return a, nil

	case eventMsg:
		a.handleEvent(uds.Message(msg))
		return a, waitEventCmd(a.events)

	case actionResultMsg:
		a.statusMsg = msg.msg
		return a, nil

	case errorMsg:
		a.statusMsg = "error: " + msg.err.Error()
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

func (a *App) handleEvent(msg uds.Message) {
	switch msg.Method {
	case uds.EventChannelsDelta:
		var delta uds.ChannelsDelta
		if err := msg.UnmarshalData(&delta); err == nil {
			a.channels = applyDelta(a.channels, delta)
			a.clampSelection()
		}
	case uds.EventLogsBatch:
		var batch uds.LogsBatchEvent
		if err := msg.UnmarshalData(&batch); err != nil {
			return
		}
		// Batches may arrive before the subscribe response.
		if batch.Channel != a.logChannel || (a.logHandle != "" && batch.Handle != a.logHandle) {
			return
		}
		a.appendLogs(batch.Lines)
	}
}

func (a *App) appendLogs(lines []string) {
	if a.logPaused {
		return
	}
	a.logLines = append(a.logLines, lines...)
	if len(a.logLines) > maxLogLines {
		a.logLines = a.logLines[len(a.logLines)-maxLogLines:]
	}
}

// applyDelta merges a channels.delta event into list, keeping it sorted.
func applyDelta(list []core.ChannelStatus, delta uds.ChannelsDelta) []core.ChannelStatus {
	byName := make(map[string]core.ChannelStatus, len(list))
	for _, st := range list {
		byName[st.Name] = st
	}
	for _, st := range delta.Added {
		byName[st.Name] = st
	}
	for _, st := range delta.Updated {
		byName[st.Name] = st
	}
	for _, name := range delta.Removed {
		delete(byName, name)
	}

	out := make([]core.ChannelStatus, 0, len(byName))
	for _, st := range byName {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Search mode
	if a.mode == ModeSearch {
		switch msg.String() {
		case "esc":
			a.mode = ModeNormal
			a.search.SetValue("")
			a.search.Blur()
			return a.selectionChanged()
		case "enter":
			a.mode = ModeNormal
			a.search.Blur()
			return a.selectionChanged()
		default:
			var cmd tea.Cmd
			a.search, cmd = a.search.Update(msg)
			a.clampSelection()
			return a, cmd
		}
	}

	// Confirmation mode
	if a.mode == ModeConfirm {
		action, channel := a.confirmAction, a.confirmChannel
		a.mode = ModeNormal
		a.confirmAction, a.confirmChannel = "", ""
		switch msg.String() {
		case "y", "Y":
			if a.client == nil {
				a.statusMsg = "not connected"
				return a, nil
			}
			a.statusMsg = string(action) + " " + channel + "..."
			return a, actionCmd(a.client, channel, action)
		default:
			a.statusMsg = string(action) + " cancelled"
			return a, nil
		}
	}

	// Normal mode
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "j", "down":
		if a.activePane == PaneList && len(a.filteredChannels()) > 0 {
			a.selectedIdx = min(a.selectedIdx+1, len(a.filteredChannels())-1)
			return a.selectionChanged()
		}
	case "k", "up":
		if a.activePane == PaneList && a.selectedIdx > 0 {
			a.selectedIdx--
			return a.selectionChanged()
		}

	case "tab":
		a.activePane = (a.activePane + 1) % 3

	case "/":
		a.mode = ModeSearch
		a.search.Focus()
		return a, textinput.Blink

	case "s":
		return a.confirm(core.ActionStop)
	case "r":
		return a.confirm(core.ActionRestart)
	case "R":
		return a.confirm(core.ActionReload)

	case "l":
		a.activePane = PaneLogs

	case "c":
		if a.activePane == PaneLogs {
			a.logLines = nil
		}

	case " ":
		if a.activePane == PaneLogs {
			a.logPaused = !a.logPaused
		}
	}

	return a, nil
}

func (a App) confirm(action core.Action) (tea.Model, tea.Cmd) {
	sel := a.selectedChannel()
	if sel == nil {
		return a, nil
	}
	a.mode = ModeConfirm
	a.confirmAction = action
	a.confirmChannel = sel.Name
	a.statusMsg = strings.ToUpper(string(action[:1])) + string(action[1:]) + " " + sel.Name + "? (y/n)"
	return a, nil
}

// selectionChanged refreshes the detail pane and moves the log
// subscription when the selected channel differs from the followed one.
func (a App) selectionChanged() (tea.Model, tea.Cmd) {
	a.clampSelection()
	sel := a.selectedChannel()
	if sel == nil || a.client == nil {
		return a, nil
	}
	if sel.Name == a.logChannel {
		return a, nil
	}

	old := a.logHandle
	a.logChannel = sel.Name
	a.logHandle = ""
	a.logLines = nil
	a.stats = nil
	return a, tea.Batch(
		fetchStatsCmd(a.client, sel.Name),
		followCmd(a.client, old, sel.Name),
	)
}

func (a *App) clampSelection() {
	n := len(a.filteredChannels())
	if a.selectedIdx >= n {
		a.selectedIdx = max(0, n-1)
	}
}

func (a App) filteredChannels() []core.ChannelStatus {
	q := strings.ToLower(a.search.Value())
	if q == "" {
		return a.channels
	}
	var filtered []core.ChannelStatus
	for _, st := range a.channels {
		if strings.Contains(strings.ToLower(st.Name), q) ||
			strings.Contains(strings.ToLower(st.Field("current_video")), q) {
			filtered = append(filtered, st)
		}
	}
	return filtered
}

func (a App) selectedChannel() *core.ChannelStatus {
	channels := a.filteredChannels()
	if a.selectedIdx < len(channels) {
		return &channels[a.selectedIdx]
	}
	return nil
}
