package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"sync"

	"github.com/modoterra/onair/internal/buildinfo"
	"github.com/modoterra/onair/pkg/core"
	"github.com/modoterra/onair/pkg/manifest"
	"github.com/modoterra/onair/pkg/providers/control"
	"github.com/modoterra/onair/pkg/providers/logs/scanner"
	"github.com/modoterra/onair/pkg/providers/snapshot"
	"github.com/modoterra/onair/pkg/reconcile"
	"github.com/modoterra/onair/pkg/transport/uds"
)

// maxTailLines bounds a single LogsTail request.
const maxTailLines = 10000

// Daemon is the onaird service object: it owns the status sources, the
// command dispatcher, the log subscriptions and the socket transport.
type Daemon struct {
	server    *uds.Server
	manifest  *manifest.Manifest
	status    core.StatusProvider
	actions   core.Provider
	snapshots *snapshot.Reader
	logs      core.LogProvider

	channels map[string]core.ChannelStatus
	// log subscriptions opened by each client connection
	subs   map[net.Conn]map[string]struct{}
	owners map[string]net.Conn
	mu     sync.RWMutex

	logger *slog.Logger
}

// New creates a daemon serving m on socketPath. Status and commands are
// wired to the files m describes; logs must be attached with SetLogProvider.
func New(socketPath string, m *manifest.Manifest, logger *slog.Logger) *Daemon {
	srv := uds.NewServer(socketPath, logger)
	d := &Daemon{
		server:    srv,
		manifest:  m,
		status:    reconcile.FromManifest(m, logger),
		actions:   control.New(m.Paths.Control, logger),
		snapshots: snapshot.New(m.Paths.Stats, logger),
		channels:  make(map[string]core.ChannelStatus),
		subs:      make(map[net.Conn]map[string]struct{}),
		owners:    make(map[string]net.Conn),
		logger:    logger,
	}
	d.registerHandlers()
	srv.OnDisconnect(d.dropConn)
	return d
}

// SetStatusProvider replaces the status source.
func (d *Daemon) SetStatusProvider(p core.StatusProvider) {
	d.status = p
}

// SetActionProvider replaces the command dispatcher.
func (d *Daemon) SetActionProvider(p core.Provider) {
	d.actions = p
}

// SetLogProvider attaches the log subscription registry.
func (d *Daemon) SetLogProvider(p core.LogProvider) {
	d.logs = p
}

// Manifest returns the manifest the daemon was built from.
func (d *Daemon) Manifest() *manifest.Manifest {
	return d.manifest
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	return d.server.Start(ctx)
}

// Shutdown cleans up resources.
func (d *Daemon) Shutdown() {
	d.server.Shutdown()
}

// Server returns the underlying UDS server (for broadcasting events).
func (d *Daemon) Server() *uds.Server {
	return d.server
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.MethodPing, d.handlePing)
	d.server.Handle(uds.MethodGetStatus, d.handleGetStatus)
	d.server.Handle(uds.MethodListChannels, d.handleListChannels)
	d.server.Handle(uds.MethodGetStats, d.handleGetStats)
	d.server.Handle(uds.MethodAction, d.handleAction)
	d.server.Handle(uds.MethodLogsTail, d.handleLogsTail)
	d.server.Handle(uds.MethodLogsSubscribe, d.handleLogsSubscribe)
	d.server.Handle(uds.MethodLogsUnsubscribe, d.handleLogsUnsubscribe)
}

func (d *Daemon) handlePing(_ context.Context, _ uds.Message) (any, error) {
	return uds.PingResponse{Pong: true, Version: buildinfo.Version}, nil
}

func channelArg(msg uds.Message) (string, error) {
	var req uds.ChannelRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return "", fmt.Errorf("invalid request: %w", err)
	}
	if err := core.ValidateChannel(req.Channel); err != nil {
		return "", err
	}
	return req.Channel, nil
}

func (d *Daemon) handleGetStatus(ctx context.Context, msg uds.Message) (any, error) {
	channel, err := channelArg(msg)
	if err != nil {
		return nil, err
	}
	return d.status.Status(ctx, channel), nil
}

func (d *Daemon) handleListChannels(ctx context.Context, _ uds.Message) (any, error) {
	return d.status.List(ctx), nil
}

func (d *Daemon) handleGetStats(_ context.Context, msg uds.Message) (any, error) {
	channel, err := channelArg(msg)
	if err != nil {
		return nil, err
	}
	return d.snapshots.Stats(channel), nil
}

func (d *Daemon) handleAction(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.ActionRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	action, ok := core.ParseAction(req.Action)
	if !ok {
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}
	resp := uds.ActionResponse{Channel: req.Channel, Action: string(action)}
	c, isControl := d.actions.(*control.Provider)
	if isControl && core.ValidateChannel(req.Channel) == nil {
		resp.Pending = c.Pending(req.Channel, action)
	}
	if err := d.actions.Action(ctx, req.Channel, action); err != nil {
		return nil, err
	}

	d.logger.Info("action requested", "channel", req.Channel, "action", action, "provider", d.actions.Name(), "pending", resp.Pending)
	if isControl {
		resp.Marker = c.MarkerPath(req.Channel, action)
	}
	return resp, nil
}

func (d *Daemon) handleLogsTail(_ context.Context, msg uds.Message) (any, error) {
	var req uds.LogsTailRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if err := core.ValidateChannel(req.Channel); err != nil {
		return nil, err
	}
	n := req.Lines
	if n <= 0 {
		n = d.manifest.Tail.Backlog
	}
	n = min(n, maxTailLines)

	path := d.manifest.LogFile(req.Channel)
	resp := uds.LogsTailResponse{Channel: req.Channel, Lines: []string{}}
	lines, err := scanner.LastLines(path, n)
	if errors.Is(err, fs.ErrNotExist) {
		return resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", req.Channel, err)
	}
	total, err := scanner.CountLines(path)
	if err != nil {
		return nil, fmt.Errorf("count log %s: %w", req.Channel, err)
	}
	if lines != nil {
		resp.Lines = lines
	}
	resp.Total = total
	return resp, nil
}

func (d *Daemon) handleLogsSubscribe(ctx context.Context, msg uds.Message) (any, error) {
	if d.logs == nil {
		return nil, errors.New("log streaming disabled")
	}
	channel, err := channelArg(msg)
	if err != nil {
		return nil, err
	}
	conn, ok := uds.ConnFrom(ctx)
	if !ok {
		return nil, errors.New("subscribe requires a connection")
	}

	handle, batches, err := d.logs.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.subs[conn] == nil {
		d.subs[conn] = make(map[string]struct{})
	}
	d.subs[conn][handle] = struct{}{}
	d.owners[handle] = conn
	d.mu.Unlock()

	go d.pump(conn, handle, batches)

	d.logger.Debug("log subscription opened", "channel", channel, "handle", handle)
	return uds.SubscribeResponse{Handle: handle}, nil
}

// pump forwards batches to conn until the subscription is closed.
func (d *Daemon) pump(conn net.Conn, handle string, batches <-chan core.LogBatch) {
	for batch := range batches {
		evt, err := uds.NewEvent(uds.EventLogsBatch, uds.LogsBatchEvent{Handle: handle, LogBatch: batch})
		if err != nil {
			d.logger.Error("encode log batch", "handle", handle, "err", err)
			continue
		}
		if err := d.server.Send(conn, evt); err != nil {
			d.logger.Debug("log batch not delivered", "handle", handle, "err", err)
		}
	}
}

func (d *Daemon) handleLogsUnsubscribe(ctx context.Context, msg uds.Message) (any, error) {
	if d.logs == nil {
		return nil, errors.New("log streaming disabled")
	}
	var req uds.UnsubscribeRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	conn, _ := uds.ConnFrom(ctx)

	d.mu.Lock()
	owner, ok := d.owners[req.Handle]
	if ok && owner == conn {
		delete(d.owners, req.Handle)
		delete(d.subs[conn], req.Handle)
	}
	d.mu.Unlock()
	if !ok || owner != conn {
		return nil, fmt.Errorf("unknown subscription %q", req.Handle)
	}

	if err := d.logs.Unsubscribe(req.Handle); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

// dropConn releases every subscription a departed client still held.
func (d *Daemon) dropConn(conn net.Conn) {
	d.mu.Lock()
	handles := d.subs[conn]
	delete(d.subs, conn)
	for h := range handles {
		delete(d.owners, h)
	}
	d.mu.Unlock()

	for h := range handles {
		if err := d.logs.Unsubscribe(h); err != nil {
			d.logger.Debug("unsubscribe on disconnect", "handle", h, "err", err)
		}
	}
}
