package store

import "encoding/json"

// Websocket wire protocol shared by the remote client and the relay
// server. Every client frame carries an op; the relay answers each
// request with a res frame and pushes op:"snapshot" frames to
// subscribers whenever the room log changes.

// Client op values.
const (
	OpHello       = "hello"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpAppend      = "append"
	OpUpdate      = "update"
	OpFetch       = "fetch"
	OpDelete      = "delete"
	OpExists      = "exists"
	OpCreate      = "create"
	OpPing        = "ping"
)

// Server op values.
const (
	OpSnapshot = "snapshot"
	OpPong     = "pong"
)

// Result values for the res field.
const (
	ResOK  = "ok"
	ResErr = "err"
)

// ClientMessage is a frame sent from client to relay.
type ClientMessage struct {
	Op      string        `json:"op"`
	Room    string        `json:"room,omitempty"`
	Session string        `json:"session,omitempty"`
	Record  *Record       `json:"record,omitempty"`
	Updates []FieldUpdate `json:"updates,omitempty"`
	Limit   int           `json:"limit,omitempty"`
	IDs     []string      `json:"ids,omitempty"`
}

// ServerMessage is a frame sent from relay to client: either a response
// to the most recent request (Res set) or a pushed snapshot (Op set).
type ServerMessage struct {
	Op      string            `json:"op,omitempty"`
	Res     string            `json:"res,omitempty"`
	Msg     string            `json:"msg,omitempty"`
	ID      string            `json:"id,omitempty"`
	Exists  bool              `json:"exists,omitempty"`
	Records []json.RawMessage `json:"records,omitempty"`
}
