// Package reader turns raw ledger storage into domain values. The ledger has no range
// scan, so "all entities" of a kind means every id below the kind's counter.
package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/medledger/internal/domain/account"
	"github.com/ehr/medledger/internal/ledger"
	"github.com/ehr/medledger/internal/ledger/gateway"
)

const (
	defaultConcurrency = 8
	// DefaultMaxScan is the largest counter a bulk read will enumerate.
	DefaultMaxScan uint64 = 1 << 20
	// windowPerWorker sizes each scan window as a multiple of the concurrency.
	windowPerWorker = 16
)

// Querier serves storage queries. gateway.Node satisfies it.
type Querier interface {
	Query(ctx context.Context, q gateway.StorageQuery) (json.RawMessage, error)
}

// Resolver maps a ledger address to an off-chain account, or nil when none owns it.
type Resolver interface {
	ResolveAddress(ctx context.Context, address string) (*account.Summary, error)
}

// Reader queries ledger state. It caches nothing across calls.
type Reader struct {
	node        Querier
	resolver    Resolver
	concurrency int
	maxScan     uint64
	logger      zerolog.Logger
}

func New(node Querier, resolver Resolver, concurrency int, logger zerolog.Logger) *Reader {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Reader{
		node:        node,
		resolver:    resolver,
		concurrency: concurrency,
		maxScan:     DefaultMaxScan,
		logger:      logger.With().Str("component", "reader").Logger(),
	}
}

// WithMaxScan sets the largest counter ListAll and ListAllResults accept. Zero keeps
// DefaultMaxScan.
func (r *Reader) WithMaxScan(n uint64) *Reader {
	if n > 0 {
		r.maxScan = n
	}
	return r
}

// Counter returns the next id the ledger will assign for kind.
func (r *Reader) Counter(ctx context.Context, kind ledger.EntityKind) (uint64, error) {
	raw, err := r.node.Query(ctx, gateway.StorageQuery{Pallet: ledger.Pallet, Item: kind.CounterItem()})
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", kind, err)
	}
	if isNull(raw) {
		return 0, nil
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("counter %s: decode: %w", kind, err)
	}
	return n, nil
}

// Raw returns the stored form of one entity, or nil when the slot is empty or deleted.
func (r *Reader) Raw(ctx context.Context, kind ledger.EntityKind, id uint64) (json.RawMessage, error) {
	raw, err := r.node.Query(ctx, gateway.StorageQuery{Pallet: ledger.Pallet, Item: kind.StorageItem(), Key: &id})
	if err != nil {
		return nil, fmt.Errorf("get %s %d: %w", kind, id, err)
	}
	if isNull(raw) {
		return nil, nil
	}
	return raw, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// DecodeFunc turns one stored entity into T. Addresses are resolved through names.
type DecodeFunc[T any] func(ctx context.Context, raw json.RawMessage, names *Names) (*T, error)

// Result is the outcome for one id of a batch. Value and Err are both nil when the slot
// is empty or the entity was deleted.
type Result[T any] struct {
	ID    uint64
	Value *T
	Err   error
}

// DecodeError reports an entity whose stored form could not be decoded.
type DecodeError struct {
	Kind ledger.EntityKind
	ID   uint64
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s %d: %v", e.Kind, e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ScanLimitError reports a counter above the reader's scan ceiling. Nothing was queried
// beyond the counter itself.
type ScanLimitError struct {
	Kind    ledger.EntityKind
	Counter uint64
	Limit   uint64
}

func (e *ScanLimitError) Error() string {
	return fmt.Sprintf("scan %s: counter %d exceeds limit %d", e.Kind, e.Counter, e.Limit)
}

// Get fetches and decodes one entity. It returns nil, nil when the entity does not exist.
func Get[T any](ctx context.Context, r *Reader, kind ledger.EntityKind, id uint64, decode DecodeFunc[T]) (*T, error) {
	raw, err := r.Raw(ctx, kind, id)
	if err != nil || raw == nil {
		return nil, err
	}
	v, err := decode(ctx, raw, r.names())
	if err != nil {
		return nil, classifyDecode(kind, id, err)
	}
	return v, nil
}

// Batch fetches ids concurrently and returns one Result per id, in order. Per-entity
// decode failures are reported in the Result; query and resolution failures abort the
// whole batch.
func Batch[T any](ctx context.Context, r *Reader, kind ledger.EntityKind, ids []uint64, decode DecodeFunc[T]) ([]Result[T], error) {
	results := make([]Result[T], len(ids))
	names := r.names()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, id := range ids {
		i, id := i, id
		results[i].ID = id
		g.Go(func() error {
			raw, err := r.Raw(gctx, kind, id)
			if err != nil || raw == nil {
				return err
			}
			v, err := decode(gctx, raw, names)
			if err != nil {
				err = classifyDecode(kind, id, err)
				var de *DecodeError
				if !errors.As(err, &de) {
					return err
				}
				results[i].Err = err
				return nil
			}
			results[i].Value = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// scan walks every id below the kind's counter in fixed-size windows and hands each
// window's results to fn in id order.
func scan[T any](ctx context.Context, r *Reader, kind ledger.EntityKind, decode DecodeFunc[T], fn func([]Result[T])) error {
	n, err := r.Counter(ctx, kind)
	if err != nil {
		return err
	}
	if n > r.maxScan {
		return &ScanLimitError{Kind: kind, Counter: n, Limit: r.maxScan}
	}

	window := uint64(r.concurrency * windowPerWorker)
	ids := make([]uint64, 0, min(window, n))
	for start := uint64(0); start < n; {
		end := n
		if n-start > window {
			end = start + window
		}
		ids = ids[:0]
		for id := start; id < end; id++ {
			ids = append(ids, id)
		}
		results, err := Batch(ctx, r, kind, ids, decode)
		if err != nil {
			return err
		}
		fn(results)
		start = end
	}
	return nil
}

// ListAllResults returns one Result per id below the kind's counter. It fails with a
// *ScanLimitError when the counter is above the reader's ceiling.
func ListAllResults[T any](ctx context.Context, r *Reader, kind ledger.EntityKind, decode DecodeFunc[T]) ([]Result[T], error) {
	out := make([]Result[T], 0)
	err := scan(ctx, r, kind, decode, func(window []Result[T]) {
		out = append(out, window...)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListAll returns every decodable entity of kind. Deleted slots are skipped silently and
// undecodable ones are logged and skipped.
func ListAll[T any](ctx context.Context, r *Reader, kind ledger.EntityKind, decode DecodeFunc[T]) ([]T, error) {
	out := make([]T, 0)
	err := scan(ctx, r, kind, decode, func(window []Result[T]) {
		for _, res := range window {
			if res.Err != nil {
				r.logger.Warn().Err(res.Err).
					Str("kind", string(kind)).
					Uint64("id", res.ID).
					Msg("skipping undecodable entity")
				continue
			}
			if res.Value != nil {
				out = append(out, *res.Value)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// classifyDecode leaves resolution failures alone and wraps everything else as a
// DecodeError for kind/id.
func classifyDecode(kind ledger.EntityKind, id uint64, err error) error {
	var re *ResolveError
	if errors.As(err, &re) {
		return err
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return err
	}
	return &DecodeError{Kind: kind, ID: id, Err: err}
}
