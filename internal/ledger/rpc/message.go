package rpc

import (
	"encoding/json"
	"fmt"
)

const version = "2.0"

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// message is any frame sent by the node: a response (ID set) or a
// subscription notification (Method and Params set).
type message struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      *uint64            `json:"id,omitempty"`
	Result  json.RawMessage    `json:"result,omitempty"`
	Error   *Error             `json:"error,omitempty"`
	Method  string             `json:"method,omitempty"`
	Params  *notificationParam `json:"params,omitempty"`
}

type notificationParam struct {
	Subscription json.RawMessage `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// subscriptionID normalizes ids sent either as JSON strings or numbers.
func subscriptionID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
