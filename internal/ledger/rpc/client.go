// Package rpc is a JSON-RPC 2.0 client over a single websocket connection, with
// support for the subscribe/notify pattern used by ledger nodes to stream
// transaction status.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ehr/medledger/internal/ledger"
)

const (
	defaultWriteTimeout = 10 * time.Second
	unsubscribeTimeout  = 5 * time.Second
	maxMessageSize      = 16 << 20
)

// ErrClosed is the cause attached to failures after Close.
var ErrClosed = errors.New("rpc client closed")

type result struct {
	raw json.RawMessage
	err error
}

type pendingCall struct {
	ch  chan result
	sub *Subscription
}

// Client multiplexes calls and subscriptions over one websocket. It is safe for
// concurrent use.
type Client struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	subs    map[string]*Subscription
	err     error

	done chan struct{}
}

// Dial connects to a node websocket endpoint and starts the read loop.
func Dial(ctx context.Context, url string, logger zerolog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ledger.E(ledger.KindTimeout, "rpc dial", err)
		}
		return nil, ledger.E(ledger.KindConnectionLost, "rpc dial", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		conn:    conn,
		logger:  logger.With().Str("component", "rpc").Str("endpoint", url).Logger(),
		pending: make(map[uint64]*pendingCall),
		subs:    make(map[string]*Subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down. Pending calls and subscriptions fail with
// ledger.ErrConnectionLost wrapping ErrClosed.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.fail(ErrClosed)
	return c.conn.Close()
}

// Call invokes method and decodes the result into out (which may be nil).
func (c *Client) Call(ctx context.Context, method string, params []any, out any) error {
	raw, err := c.roundTrip(ctx, method, params, nil)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("rpc %s: decode result: %w", method, err)
	}
	return nil
}

// Subscribe invokes a subscription method. Notifications that arrive before this call
// returns are buffered on the subscription. unsubMethod is called by Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, method string, params []any, unsubMethod string) (*Subscription, error) {
	sub := newSubscription(c, unsubMethod)
	if _, err := c.roundTrip(ctx, method, params, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *Client) roundTrip(ctx context.Context, method string, params []any, sub *Subscription) (json.RawMessage, error) {
	op := "rpc " + method
	if params == nil {
		params = []any{}
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, ledger.E(ledger.KindConnectionLost, op, err)
	}
	c.nextID++
	id := c.nextID
	call := &pendingCall{ch: make(chan result, 1), sub: sub}
	c.pending[id] = call
	c.mu.Unlock()

	if err := c.write(ctx, request{JSONRPC: version, ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return nil, ledger.E(ledger.KindConnectionLost, op, err)
	}

	select {
	case res := <-call.ch:
		return res.raw, res.err
	case <-ctx.Done():
		c.abandon(id, sub)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ledger.E(ledger.KindTimeout, op, ctx.Err())
		}
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	case <-c.done:
		// The read loop may have delivered just before failing.
		select {
		case res := <-call.ch:
			return res.raw, res.err
		default:
		}
		return nil, ledger.E(ledger.KindConnectionLost, op, c.Err())
	}
}

func (c *Client) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// abandon drops a call whose caller gave up. A subscription the read loop already
// registered is removed locally and cancelled on the node in the background.
func (c *Client) abandon(id uint64, sub *Subscription) {
	c.mu.Lock()
	delete(c.pending, id)
	var subID string
	if sub != nil {
		subID = sub.id
		if subID != "" {
			delete(c.subs, subID)
		}
	}
	c.mu.Unlock()

	if sub == nil {
		return
	}
	sub.end(nil)
	if subID == "" || sub.unsubMethod == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		defer cancel()
		if err := c.Call(ctx, sub.unsubMethod, []any{subID}, nil); err != nil {
			c.logger.Debug().Err(err).Str("subscription", subID).Msg("unsubscribe of abandoned subscription failed")
		}
	}()
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("discarding undecodable frame")
			continue
		}

		switch {
		case msg.ID != nil:
			c.handleResponse(*msg.ID, &msg)
		case msg.Params != nil:
			c.handleNotification(msg.Params)
		default:
			c.logger.Warn().Msg("discarding frame without id or params")
		}
	}
}

func (c *Client) handleResponse(id uint64, msg *message) {
	c.mu.Lock()
	call, ok := c.pending[id]
	delete(c.pending, id)
	if ok && call.sub != nil && msg.Error == nil {
		// Register before reading the next frame so early notifications are routed.
		call.sub.id = subscriptionID(msg.Result)
		c.subs[call.sub.id] = call.sub
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Uint64("id", id).Msg("response for unknown or abandoned call")
		return
	}
	if msg.Error != nil {
		call.ch <- result{err: msg.Error}
		return
	}
	call.ch <- result{raw: msg.Result}
}

func (c *Client) handleNotification(p *notificationParam) {
	id := subscriptionID(p.Subscription)

	c.mu.Lock()
	sub, ok := c.subs[id]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("subscription", id).Msg("notification for unknown subscription")
		return
	}
	sub.deliver(p.Result)
}

func (c *Client) removeSub(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// fail records the first terminal error and releases every waiter.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = cause
	pending := c.pending
	subs := c.subs
	c.pending = make(map[uint64]*pendingCall)
	c.subs = make(map[string]*Subscription)
	close(c.done)
	c.mu.Unlock()

	if !errors.Is(cause, ErrClosed) {
		c.logger.Warn().Err(cause).Msg("ledger connection lost")
	}
	lost := ledger.E(ledger.KindConnectionLost, "rpc", cause)
	for _, call := range pending {
		call.ch <- result{err: lost}
	}
	for _, sub := range subs {
		sub.end(lost)
	}
}
