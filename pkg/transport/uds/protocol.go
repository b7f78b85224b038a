package uds

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/modoterra/onair/pkg/core"
)

var reqCounter atomic.Uint64

// MsgType identifies the kind of message.
type MsgType string

const (
	MsgTypeReq MsgType = "req"
	MsgTypeRes MsgType = "res"
	MsgTypeEvt MsgType = "evt"
)

// Message is the NDJSON envelope for all communication.
type Message struct {
	Type   MsgType         `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// UnmarshalData decodes the payload into v.
func (m Message) UnmarshalData(v any) error {
	if len(m.Data) == 0 {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Method, err)
	}
	return nil
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

// NewRequest creates a new request message with a unique ID.
func NewRequest(method string, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeReq,
		ID:     fmt.Sprintf("req-%d", reqCounter.Add(1)),
		Method: method,
		Data:   raw,
	}, nil
}

// NewResponse creates a response to a request.
func NewResponse(reqID, method string, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeRes,
		ID:     reqID,
		Method: method,
		Data:   raw,
	}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(reqID, method, errMsg string) Message {
	return Message{
		Type:   MsgTypeRes,
		ID:     reqID,
		Method: method,
		Error:  errMsg,
	}
}

// NewEvent creates a server-pushed event.
func NewEvent(method string, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeEvt,
		ID:     fmt.Sprintf("evt-%d", reqCounter.Add(1)),
		Method: method,
		Data:   raw,
	}, nil
}

// Methods
const (
	MethodPing            = "Ping"
	MethodGetStatus       = "GetStatus"
	MethodListChannels    = "ListChannels"
	MethodGetStats        = "GetStats"
	MethodAction          = "Action"
	MethodLogsTail        = "LogsTail"
	MethodLogsSubscribe   = "LogsSubscribe"
	MethodLogsUnsubscribe = "LogsUnsubscribe"

	EventChannelsDelta = "channels.delta"
	EventLogsBatch     = "logs.batch"
)

// PingResponse is the response to a Ping request.
type PingResponse struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version,omitempty"`
}

// ChannelRequest names the channel a request applies to.
type ChannelRequest struct {
	Channel string `json:"channel"`
}

// ActionRequest is the payload for an Action request.
type ActionRequest struct {
	Channel string `json:"channel"`
	Action  string `json:"action"` // stop, restart, reload
}

// ActionResponse reports the marker that was dropped. Pending is set when
// an earlier marker for the same action had not been consumed yet.
type ActionResponse struct {
	Channel string `json:"channel"`
	Action  string `json:"action"`
	Marker  string `json:"marker"`
	Pending bool   `json:"pending,omitempty"`
}

// LogsTailRequest asks for the last Lines lines of a channel's log.
type LogsTailRequest struct {
	Channel string `json:"channel"`
	Lines   int    `json:"lines"`
}

// LogsTailResponse carries the tail and the log's total line count.
type LogsTailResponse struct {
	Channel string   `json:"channel"`
	Lines   []string `json:"lines"`
	Total   int      `json:"total"`
}

// SubscribeResponse returns the handle of a new log subscription.
type SubscribeResponse struct {
	Handle string `json:"handle"`
}

// UnsubscribeRequest ends a log subscription.
type UnsubscribeRequest struct {
	Handle string `json:"handle"`
}

// ChannelsDelta is pushed whenever reconciled statuses change.
type ChannelsDelta struct {
	Added   []core.ChannelStatus `json:"added,omitempty"`
	Updated []core.ChannelStatus `json:"updated,omitempty"`
	Removed []string             `json:"removed,omitempty"`
}

// LogsBatchEvent carries lines for one subscription.
type LogsBatchEvent struct {
	Handle string `json:"handle"`
	core.LogBatch
}
