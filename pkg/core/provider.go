package core

import "context"

// Action is a command the external worker understands.
type Action string

const (
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionReload  Action = "reload"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionStop, ActionRestart, ActionReload:
		return a, true
	}
	return "", false
}

// StatusProvider produces reconciled channel status.
type StatusProvider interface {
	// Status never fails; missing or broken inputs degrade to offline.
	Status(ctx context.Context, channel string) ChannelStatus

	// List returns the status of every known channel, sorted by name.
	List(ctx context.Context) []ChannelStatus
}

// Provider performs actions on channels.
type Provider interface {
	// Name returns the provider's identifier.
	Name() string

	// Action asks the worker behind channel to perform action.
	Action(ctx context.Context, channel string, action Action) error
}

// LogProvider streams log batches for a channel.
type LogProvider interface {
	// Subscribe registers a subscriber and returns its handle and stream.
	// The first batch on the stream is the backlog.
	Subscribe(ctx context.Context, channel string) (string, <-chan LogBatch, error)

	// Unsubscribe removes the subscriber; the stream is closed.
	Unsubscribe(handle string) error
}
