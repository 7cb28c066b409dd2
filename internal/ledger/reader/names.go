package reader

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ehr/medledger/internal/domain/account"
)

// ResolveError is a failure of the account store while resolving an address. Unlike a
// decode failure it aborts the read that hit it.
type ResolveError struct {
	Address string
	Err     error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Address, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Names resolves addresses for the duration of one read, looking each address up once.
type Names struct {
	resolver Resolver
	group    singleflight.Group

	mu    sync.Mutex
	known map[string]*account.Summary
}

func (r *Reader) names() *Names {
	return &Names{resolver: r.resolver, known: make(map[string]*account.Summary)}
}

// Resolve returns the account owning address, or nil when no account does.
func (n *Names) Resolve(ctx context.Context, address string) (*account.Summary, error) {
	if address == "" || n.resolver == nil {
		return nil, nil
	}
	address = account.NormalizeAddress(address)

	n.mu.Lock()
	s, ok := n.known[address]
	n.mu.Unlock()
	if ok {
		return s, nil
	}

	v, err, _ := n.group.Do(address, func() (any, error) {
		s, err := n.resolver.ResolveAddress(ctx, address)
		if err != nil {
			return nil, err
		}
		n.mu.Lock()
		n.known[address] = s
		n.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, &ResolveError{Address: address, Err: err}
	}
	return v.(*account.Summary), nil
}

// ResolveOptional is Resolve for addresses that may be absent.
func (n *Names) ResolveOptional(ctx context.Context, address *string) (*account.Summary, error) {
	if address == nil {
		return nil, nil
	}
	return n.Resolve(ctx, *address)
}
