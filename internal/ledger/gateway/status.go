package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the commitment state of a submitted call.
//
//	Signed → Broadcast → InBlock → Finalized
//	            ↓           ↓
//	        Rejected / Errored
type Status int

const (
	StatusSigned Status = iota
	StatusBroadcast
	StatusInBlock
	StatusFinalized
	StatusRejected
	StatusErrored
)

var statusNames = map[Status]string{
	StatusSigned:    "signed",
	StatusBroadcast: "broadcast",
	StatusInBlock:   "inblock",
	StatusFinalized: "finalized",
	StatusRejected:  "rejected",
	StatusErrored:   "errored",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no further transitions follow.
func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusRejected || s == StatusErrored
}

// Milestone is the durability level a caller waits for: StatusInBlock or StatusFinalized.
type Milestone = Status

// ParseMilestone accepts "inblock"/"in_block" and "finalized".
func ParseMilestone(s string) (Milestone, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "inblock":
		return StatusInBlock, nil
	case "finalized":
		return StatusFinalized, nil
	}
	return 0, fmt.Errorf("invalid milestone %q: want inblock or finalized", s)
}

// Update is one status transition reported by a node.
type Update struct {
	Status    Status
	BlockHash string
	Reason    string
	// Err is set when the stream itself failed rather than the call.
	Err error
}

// ParseStatus decodes a transaction status notification. Both the plain string form
// ("ready") and the object form ({"inBlock": "0x.."}) are accepted. ok is false for
// payloads that carry no transition.
func ParseStatus(raw json.RawMessage) (Update, bool) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return statusFromName(name, "")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Update{}, false
	}
	if reason, ok := obj["dispatchError"]; ok {
		u := Update{Status: StatusRejected, Reason: stringOrRaw(reason)}
		if h, ok := obj["inBlock"]; ok {
			u.BlockHash = stringOrRaw(h)
		}
		return u, true
	}
	for key, val := range obj {
		if u, ok := statusFromName(key, stringOrRaw(val)); ok {
			return u, true
		}
	}
	return Update{}, false
}

func statusFromName(name, detail string) (Update, bool) {
	switch name {
	case "future", "ready", "broadcast":
		return Update{Status: StatusBroadcast}, true
	case "retracted":
		return Update{Status: StatusBroadcast, Reason: "retracted from " + detail}, true
	case "inBlock":
		return Update{Status: StatusInBlock, BlockHash: detail}, true
	case "finalized":
		return Update{Status: StatusFinalized, BlockHash: detail}, true
	case "dropped", "invalid":
		return Update{Status: StatusRejected, Reason: name}, true
	case "usurped":
		return Update{Status: StatusRejected, Reason: "usurped by " + detail}, true
	case "finalityTimeout":
		return Update{Status: StatusErrored, BlockHash: detail, Reason: "finality timeout"}, true
	}
	return Update{}, false
}

func stringOrRaw(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
