// Package ledgertest provides an in-memory ledger node and account store for tests.
// The node behaves like the medical pallet: it checks signatures and nonces, assigns
// ids from per-kind counters, records one change-history entry per write and reports
// ready → inBlock → finalized for every accepted call.
package ledgertest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ehr/medledger/internal/ledger"
	"github.com/ehr/medledger/internal/ledger/codec"
	"github.com/ehr/medledger/internal/ledger/gateway"
	"github.com/ehr/medledger/internal/ledger/rpc"
)

// Transaction validity error code used by substrate-style nodes.
const invalidTransaction = 1010

var null = json.RawMessage("null")

// Node is an in-memory gateway.Node.
type Node struct {
	mu       sync.Mutex
	now      func() time.Time
	nonces   map[string]uint64
	counters map[ledger.EntityKind]uint64
	storage  map[ledger.EntityKind]map[uint64]json.RawMessage
	block    uint64

	holdFinality bool
	held         []*watch
	disconnected bool
	failNext     error
	nonceGate    *gate
	submitted    []gateway.Extrinsic
	queries      int
}

// NewNode returns an empty ledger.
func NewNode() *Node {
	n := &Node{
		now:      time.Now,
		nonces:   make(map[string]uint64),
		counters: make(map[ledger.EntityKind]uint64),
		storage:  make(map[ledger.EntityKind]map[uint64]json.RawMessage),
	}
	for _, k := range ledger.Kinds() {
		n.storage[k] = make(map[uint64]json.RawMessage)
	}
	return n
}

// SetClock replaces the block timestamp source.
func (n *Node) SetClock(now func() time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.now = now
}

// HoldFinality keeps accepted calls at InBlock until ReleaseFinality.
func (n *Node) HoldFinality() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.holdFinality = true
}

// ReleaseFinality finalizes every held call and stops holding.
func (n *Node) ReleaseFinality() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.holdFinality = false
	for _, w := range n.held {
		w.send(gateway.Update{Status: gateway.StatusFinalized, BlockHash: w.blockHash})
		w.end()
	}
	n.held = nil
}

// Disconnect makes every later call fail with ConnectionLost and ends held watches.
func (n *Node) Disconnect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected = true
	for _, w := range n.held {
		w.send(gateway.Update{Status: gateway.StatusErrored, Err: ledger.Errorf(ledger.KindConnectionLost, "node", "disconnected")})
		w.end()
	}
	n.held = nil
}

// FailNextSubmit makes the next SubmitAndWatch return err without touching state.
func (n *Node) FailNextSubmit(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failNext = err
}

// SyncNonceReads makes the next count NextNonce calls wait for each other, so
// concurrent submitters from one account observe the same nonce.
func (n *Node) SyncNonceReads(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonceGate = &gate{remaining: count, open: make(chan struct{})}
}

// Submitted returns every extrinsic accepted for validation, in order.
func (n *Node) Submitted() []gateway.Extrinsic {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]gateway.Extrinsic(nil), n.submitted...)
}

// Queries returns how many storage queries were served.
func (n *Node) Queries() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.queries
}

// Counter returns the next id for kind.
func (n *Node) Counter(kind ledger.EntityKind) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counters[kind]
}

// Put writes raw storage directly, advancing the counter past id. It lets tests
// plant malformed entries.
func (n *Node) Put(kind ledger.EntityKind, id uint64, raw json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.storage[kind][id] = raw
	if n.counters[kind] <= id {
		n.counters[kind] = id + 1
	}
}

type gate struct {
	remaining int
	open      chan struct{}
}

func (n *Node) NextNonce(ctx context.Context, address string) (uint64, error) {
	n.mu.Lock()
	if n.disconnected {
		n.mu.Unlock()
		return 0, ledger.Errorf(ledger.KindConnectionLost, "next nonce", "disconnected")
	}
	nonce := n.nonces[address]
	g := n.nonceGate
	if g != nil {
		g.remaining--
		if g.remaining == 0 {
			close(g.open)
			n.nonceGate = nil
		}
	}
	n.mu.Unlock()

	if g != nil {
		select {
		case <-g.open:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return nonce, nil
}

func (n *Node) SubmitAndWatch(_ context.Context, x gateway.Extrinsic) (gateway.Watch, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.disconnected {
		return nil, ledger.Errorf(ledger.KindConnectionLost, "submit", "disconnected")
	}
	if err := n.failNext; err != nil {
		n.failNext = nil
		return nil, err
	}

	// Go through the wire form so only what a remote node would see is used.
	encoded, err := x.Encode()
	if err != nil {
		return nil, err
	}
	x, err = gateway.DecodeExtrinsic(encoded)
	if err != nil {
		return nil, rejected("Verification Error", err.Error())
	}
	n.submitted = append(n.submitted, x)

	if err := gateway.Verify(x); err != nil {
		return nil, rejected("Invalid Transaction", "BadProof")
	}
	switch expected := n.nonces[x.Signer]; {
	case x.Nonce < expected:
		return nil, rejected("Invalid Transaction", "Stale")
	case x.Nonce > expected:
		return nil, rejected("Invalid Transaction", "Future")
	}
	n.nonces[x.Signer]++

	n.block++
	blockHash := fmt.Sprintf("0x%064x", n.block)
	w := &watch{updates: make(chan gateway.Update, 8), closed: make(chan struct{}), blockHash: blockHash}
	w.send(gateway.Update{Status: gateway.StatusBroadcast})

	if err := n.dispatch(x); err != nil {
		w.send(gateway.Update{Status: gateway.StatusRejected, BlockHash: blockHash, Reason: err.Error()})
		w.end()
		return w, nil
	}

	w.send(gateway.Update{Status: gateway.StatusInBlock, BlockHash: blockHash})
	if n.holdFinality {
		n.held = append(n.held, w)
		return w, nil
	}
	w.send(gateway.Update{Status: gateway.StatusFinalized, BlockHash: blockHash})
	w.end()
	return w, nil
}

func (n *Node) Query(_ context.Context, q gateway.StorageQuery) (json.RawMessage, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.disconnected {
		return nil, ledger.Errorf(ledger.KindConnectionLost, "query", "disconnected")
	}
	n.queries++
	if q.Pallet != ledger.Pallet {
		return nil, &rpc.Error{Code: -32602, Message: "unknown pallet " + q.Pallet}
	}
	for _, k := range ledger.Kinds() {
		switch q.Item {
		case k.CounterItem():
			return json.Marshal(n.counters[k])
		case k.StorageItem():
			if q.Key == nil {
				return nil, &rpc.Error{Code: -32602, Message: "missing key for " + q.Item}
			}
			raw, ok := n.storage[k][*q.Key]
			if !ok || raw == nil {
				return null, nil
			}
			return raw, nil
		}
	}
	return nil, &rpc.Error{Code: -32602, Message: "unknown storage item " + q.Item}
}

func (n *Node) Health(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disconnected {
		return ledger.Errorf(ledger.KindConnectionLost, "health", "disconnected")
	}
	return nil
}

func (n *Node) Close() error { return nil }

func rejected(message, data string) *rpc.Error {
	raw, _ := json.Marshal(data)
	return &rpc.Error{Code: invalidTransaction, Message: message, Data: raw}
}

// dispatch applies a call to storage. It runs with n.mu held.
func (n *Node) dispatch(x gateway.Extrinsic) error {
	if x.Pallet != ledger.Pallet {
		return fmt.Errorf("UnknownPallet")
	}
	action, name, ok := strings.Cut(x.Call, "_")
	if !ok {
		return fmt.Errorf("UnknownCall")
	}
	kind, err := ledger.ParseEntityKind(name)
	if err != nil || !kind.Writable() {
		return fmt.Errorf("UnknownCall")
	}

	args := make(map[string]json.RawMessage, len(x.Args))
	for _, a := range x.Args {
		raw, err := json.Marshal(a.Value)
		if err != nil {
			return fmt.Errorf("BadArgument")
		}
		args[a.Name] = raw
	}

	switch action {
	case "create":
		return n.create(kind, x.Signer, args)
	case "update":
		return n.update(kind, x.Signer, args)
	case "delete":
		return n.remove(kind, x.Signer, args)
	}
	return fmt.Errorf("UnknownCall")
}

func (n *Node) create(kind ledger.EntityKind, signer string, args map[string]json.RawMessage) error {
	if parent := kind.Parent(); parent != "" {
		pid, err := idArg(args, ledger.ParentField)
		if err != nil {
			return err
		}
		if raw, ok := n.storage[parent][pid]; !ok || raw == nil {
			return fmt.Errorf("ParentNotFound")
		}
	}

	id := n.counters[kind]
	entity := make(map[string]json.RawMessage, len(args)+6)
	for name, val := range args {
		entity[name] = val
	}
	entity["id"] = mustMarshal(id)
	if f := kind.SignerField(); f != "" {
		entity[f] = mustMarshal(signer)
	}
	entity["createdBy"] = mustMarshal(signer)
	entity["createdAt"] = mustMarshal(codec.EncodeTimestamp(n.now()))
	entity["updatedBy"] = null
	entity["updatedAt"] = null

	raw := mustMarshal(entity)
	n.counters[kind]++
	n.storage[kind][id] = raw
	n.record(kind, id, signer, nil, raw)
	return nil
}

func (n *Node) update(kind ledger.EntityKind, signer string, args map[string]json.RawMessage) error {
	id, err := idArg(args, "id")
	if err != nil {
		return err
	}
	old, ok := n.storage[kind][id]
	if !ok || old == nil {
		return fmt.Errorf("NotFound")
	}

	var entity map[string]json.RawMessage
	if err := json.Unmarshal(old, &entity); err != nil {
		return fmt.Errorf("CorruptEntity")
	}
	for name, val := range args {
		if name == "id" || name == ledger.ParentField || string(val) == "null" {
			continue
		}
		entity[name] = val
	}
	entity["updatedBy"] = mustMarshal(signer)
	entity["updatedAt"] = mustMarshal(codec.EncodeTimestamp(n.now()))

	raw := mustMarshal(entity)
	n.storage[kind][id] = raw
	n.record(kind, id, signer, old, raw)
	return nil
}

func (n *Node) remove(kind ledger.EntityKind, signer string, args map[string]json.RawMessage) error {
	id, err := idArg(args, "id")
	if err != nil {
		return err
	}
	old, ok := n.storage[kind][id]
	if !ok || old == nil {
		return fmt.Errorf("NotFound")
	}
	n.storage[kind][id] = nil
	n.record(kind, id, signer, old, nil)
	return nil
}

func (n *Node) record(kind ledger.EntityKind, id uint64, signer string, oldRaw, newRaw json.RawMessage) {
	hid := n.counters[ledger.KindChangeHistory]
	n.counters[ledger.KindChangeHistory]++

	entry := map[string]any{
		"id":         hid,
		"changedBy":  signer,
		"entityKind": string(kind),
		"entityId":   id,
		"oldValue":   optionalHex(oldRaw),
		"newValue":   optionalHex(newRaw),
		"timestamp":  codec.EncodeTimestamp(n.now()),
	}
	n.storage[ledger.KindChangeHistory][hid] = mustMarshal(entry)
}

func optionalHex(raw json.RawMessage) codec.Bytes {
	if raw == nil {
		return codec.Null()
	}
	return codec.Text(string(raw))
}

func idArg(args map[string]json.RawMessage, name string) (uint64, error) {
	raw, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("MissingArgument(%s)", name)
	}
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("BadArgument(%s)", name)
	}
	return id, nil
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("ledgertest: marshal: %v", err))
	}
	return raw
}

type watch struct {
	updates   chan gateway.Update
	closed    chan struct{}
	blockHash string
	once      sync.Once
	endOnce   sync.Once
}

func (w *watch) Updates() <-chan gateway.Update { return w.updates }

func (w *watch) Close() { w.once.Do(func() { close(w.closed) }) }

// send never blocks: the buffer holds a full lifecycle.
func (w *watch) send(u gateway.Update) {
	select {
	case w.updates <- u:
	case <-w.closed:
	default:
	}
}

func (w *watch) end() { w.endOnce.Do(func() { close(w.updates) }) }
