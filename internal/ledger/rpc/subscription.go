package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

const subscriptionBuffer = 64

// ErrSubscriptionOverflow ends a subscription whose consumer fell too far behind.
var ErrSubscriptionOverflow = errors.New("subscription buffer overflow")

// Subscription is a stream of notifications for one server-side subscription.
type Subscription struct {
	client      *Client
	id          string
	unsubMethod string

	mu     sync.Mutex
	ch     chan json.RawMessage
	closed bool
	err    error
}

func newSubscription(c *Client, unsubMethod string) *Subscription {
	return &Subscription{
		client:      c,
		unsubMethod: unsubMethod,
		ch:          make(chan json.RawMessage, subscriptionBuffer),
	}
}

// ID is the server-assigned subscription id.
func (s *Subscription) ID() string { return s.id }

// Notifications yields each notification payload. It is closed when the subscription
// ends; Err then reports why.
func (s *Subscription) Notifications() <-chan json.RawMessage { return s.ch }

// Err returns the reason the subscription ended, or nil if it was unsubscribed or is
// still live.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe stops delivery and asks the node to drop the subscription.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.client.removeSub(s.id)
	s.end(nil)
	if s.unsubMethod == "" {
		return nil
	}
	select {
	case <-s.client.done:
		return nil
	default:
	}
	return s.client.Call(ctx, s.unsubMethod, []any{s.id}, nil)
}

// deliver is called only from the read loop. The send never blocks, so holding the
// lock across it is safe.
func (s *Subscription) deliver(payload json.RawMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.ch <- payload:
		s.mu.Unlock()
		return
	default:
	}
	s.mu.Unlock()

	s.client.removeSub(s.id)
	s.end(ErrSubscriptionOverflow)
}

func (s *Subscription) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}
