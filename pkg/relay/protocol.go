// Package relay exposes a backend.Memory over WebSocket and provides the
// matching backend.Backend client.
package relay

import (
	"encoding/json"
)

// Op names a frame.
type Op string

// Client to server.
const (
	OpSubscribe    Op = "subscribe"
	OpUnsubscribe  Op = "unsubscribe"
	OpSet          Op = "set"
	OpUpdate       Op = "update"
	OpRemove       Op = "remove"
	OpPush         Op = "push"
	OpGet          Op = "get"
	OpOnDisconnect Op = "on_disconnect"
)

// Server to client.
const (
	OpAdded   Op = "added"
	OpChanged Op = "changed"
	OpRemoved Op = "removed"
	OpAck     Op = "ack"
	OpError   Op = "error"
)

// Frame is the single message shape in both directions. Seq correlates a
// request with its ack or error; Sub identifies a subscription.
type Frame struct {
	Op         Op                         `json:"op"`
	Seq        uint64                     `json:"seq,omitempty"`
	Sub        uint64                     `json:"sub,omitempty"`
	Collection string                     `json:"collection,omitempty"`
	ID         string                     `json:"id,omitempty"`
	Payload    json.RawMessage            `json:"payload,omitempty"`
	Fields     map[string]any             `json:"fields,omitempty"`
	Records    map[string]json.RawMessage `json:"records,omitempty"`
	Error      string                     `json:"error,omitempty"`
}

func (op Op) request() bool {
	switch op {
	case OpSubscribe, OpUnsubscribe, OpSet, OpUpdate, OpRemove, OpPush, OpGet, OpOnDisconnect:
		return true
	}
	return false
}
