package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/medledger/internal/ledger"
	"github.com/ehr/medledger/internal/ledger/rpc"
)

// StorageQuery addresses one storage value, or one entry of an id-keyed map when Key is set.
type StorageQuery struct {
	Pallet string
	Item   string
	Key    *uint64
}

// Watch streams status updates for one submitted extrinsic. Updates is closed when the
// stream ends; Close releases it early.
type Watch interface {
	Updates() <-chan Update
	Close()
}

// Node is the ledger node as seen by the bridge. A single Node is shared by all callers.
type Node interface {
	NextNonce(ctx context.Context, address string) (uint64, error)
	SubmitAndWatch(ctx context.Context, x Extrinsic) (Watch, error)
	Query(ctx context.Context, q StorageQuery) (json.RawMessage, error)
	Health(ctx context.Context) error
	Close() error
}

// RPC method names exposed by the ledger node.
const (
	methodNextIndex = "system_accountNextIndex"
	methodSubmit    = "author_submitAndWatchExtrinsic"
	methodUnwatch   = "author_unwatchExtrinsic"
	methodQuery     = "ledger_queryStorage"
	methodHealth    = "system_health"
)

// RPCNode talks to a ledger node over websocket JSON-RPC.
type RPCNode struct {
	client *rpc.Client
	logger zerolog.Logger
}

// Connect dials the node at url, bounded by timeout.
func Connect(ctx context.Context, url string, timeout time.Duration, logger zerolog.Logger) (*RPCNode, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := rpc.Dial(dialCtx, url, logger)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("url", url).Msg("connected to ledger node")
	return &RPCNode{client: client, logger: logger}, nil
}

func (n *RPCNode) NextNonce(ctx context.Context, address string) (uint64, error) {
	var nonce uint64
	if err := n.client.Call(ctx, methodNextIndex, []any{address}, &nonce); err != nil {
		return 0, wrap("next nonce", err)
	}
	return nonce, nil
}

func (n *RPCNode) SubmitAndWatch(ctx context.Context, x Extrinsic) (Watch, error) {
	encoded, err := x.Encode()
	if err != nil {
		return nil, err
	}
	sub, err := n.client.Subscribe(ctx, methodSubmit, []any{encoded}, methodUnwatch)
	if err != nil {
		return nil, classify("submit", err)
	}
	w := &rpcWatch{sub: sub, updates: make(chan Update, 16), stop: make(chan struct{}), logger: n.logger}
	go w.run()
	return w, nil
}

func (n *RPCNode) Query(ctx context.Context, q StorageQuery) (json.RawMessage, error) {
	params := []any{q.Pallet, q.Item, nil}
	if q.Key != nil {
		params[2] = *q.Key
	}
	var raw json.RawMessage
	if err := n.client.Call(ctx, methodQuery, params, &raw); err != nil {
		return nil, wrap("query "+q.Item, err)
	}
	return raw, nil
}

func (n *RPCNode) Health(ctx context.Context) error {
	if err := n.client.Call(ctx, methodHealth, nil, nil); err != nil {
		return wrap("health", err)
	}
	return nil
}

func (n *RPCNode) Close() error { return n.client.Close() }

// Done is closed when the node connection ends.
func (n *RPCNode) Done() <-chan struct{} { return n.client.Done() }

// classify maps node-side rejections to SubmissionRejected and keeps transport kinds.
func classify(op string, err error) error {
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return ledger.E(ledger.KindSubmissionRejected, op, rpcErr)
	}
	return wrap(op, err)
}

// wrap keeps already-typed transport errors as they are.
func wrap(op string, err error) error {
	if ledger.KindOf(err) != "" {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

type rpcWatch struct {
	sub     *rpc.Subscription
	updates chan Update
	stop    chan struct{}
	once    sync.Once
	logger  zerolog.Logger
}

func (w *rpcWatch) Updates() <-chan Update { return w.updates }

func (w *rpcWatch) Close() {
	w.once.Do(func() {
		close(w.stop)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.sub.Unsubscribe(ctx); err != nil {
			w.logger.Debug().Err(err).Str("subscription", w.sub.ID()).Msg("unwatch failed")
		}
	})
}

func (w *rpcWatch) run() {
	defer close(w.updates)
	for raw := range w.sub.Notifications() {
		u, ok := ParseStatus(raw)
		if !ok {
			w.logger.Debug().RawJSON("payload", raw).Msg("ignoring unrecognized status")
			continue
		}
		select {
		case w.updates <- u:
		case <-w.stop:
			return
		}
	}
	if err := w.sub.Err(); err != nil {
		select {
		case w.updates <- Update{Status: StatusErrored, Err: err}:
		case <-w.stop:
		}
	}
}
