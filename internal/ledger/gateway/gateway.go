// Package gateway submits signed calls to the ledger and tracks them through their
// commitment lifecycle. A submission is never retried here: ledger calls are not
// idempotent, so the caller decides whether to resubmit after checking the read path.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/medledger/internal/ledger"
)

// Options bounds submissions.
type Options struct {
	// SubmitTimeout bounds SubmitAndWait and Await.
	SubmitTimeout time.Duration
	// TrackTimeout bounds background tracking of a call that never reaches a terminal state.
	TrackTimeout time.Duration
}

// DefaultOptions returns the timeouts used when none are configured.
func DefaultOptions() Options {
	return Options{SubmitTimeout: 30 * time.Second, TrackTimeout: 5 * time.Minute}
}

// Gateway signs and submits calls. It holds no key material.
type Gateway struct {
	node   Node
	opts   Options
	logger zerolog.Logger
}

func New(node Node, opts Options, logger zerolog.Logger) *Gateway {
	def := DefaultOptions()
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = def.SubmitTimeout
	}
	if opts.TrackTimeout <= 0 {
		opts.TrackTimeout = def.TrackTimeout
	}
	return &Gateway{
		node:   node,
		opts:   opts,
		logger: logger.With().Str("component", "gateway").Logger(),
	}
}

// Node returns the underlying node, shared with the read path.
func (g *Gateway) Node() Node { return g.node }

// Health checks the node connection.
func (g *Gateway) Health(ctx context.Context) error { return g.node.Health(ctx) }

// Submit signs call with the signer's next nonce and submits it. The signer is used only
// before Submit returns. The returned Handle is tracked in the background.
func (g *Gateway) Submit(ctx context.Context, call Call, signer Signer) (*Handle, error) {
	op := "submit " + call.Method

	nonce, err := g.node.NextNonce(ctx, signer.Address())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	x, err := sign(call, nonce, signer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	hash, err := x.Hash()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	h := newHandle(hash, x.Signer, nonce)
	logger := g.logger.With().
		Str("call", call.Method).
		Str("signer", x.Signer).
		Uint64("nonce", nonce).
		Str("tx_hash", hash).
		Logger()

	watch, err := g.node.SubmitAndWatch(ctx, x)
	if err != nil {
		err = classify(op, err)
		logger.Warn().Err(err).Msg("submission failed")
		return nil, err
	}
	h.set(StatusBroadcast, "")
	logger.Debug().Msg("submitted")

	go h.track(watch, g.opts.TrackTimeout, logger)
	return h, nil
}

// Await waits for h to reach m, bounded by the submit timeout.
func (g *Gateway) Await(ctx context.Context, h *Handle, m Milestone) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.SubmitTimeout)
	defer cancel()
	return h.Wait(ctx, m)
}

// SubmitAndWait is Submit followed by Await.
func (g *Gateway) SubmitAndWait(ctx context.Context, call Call, signer Signer, m Milestone) (Receipt, error) {
	h, err := g.Submit(ctx, call, signer)
	if err != nil {
		return Receipt{}, err
	}
	return g.Await(ctx, h, m)
}

// Receipt describes a call that reached the milestone a caller waited for.
type Receipt struct {
	TxHash    string
	Signer    string
	Nonce     uint64
	BlockHash string
	Milestone Milestone
}

// Handle tracks one submitted call. InBlock and Finalized are closed when the call
// reaches those milestones; Done is closed when tracking ends for any reason.
type Handle struct {
	txHash string
	signer string
	nonce  uint64

	mu        sync.Mutex
	status    Status
	blockHash string
	err       error

	inBlock   chan struct{}
	finalized chan struct{}
	done      chan struct{}
	inOnce    sync.Once
	finOnce   sync.Once
	doneOnce  sync.Once
}

func newHandle(txHash, signer string, nonce uint64) *Handle {
	return &Handle{
		txHash:    txHash,
		signer:    signer,
		nonce:     nonce,
		status:    StatusSigned,
		inBlock:   make(chan struct{}),
		finalized: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (h *Handle) TxHash() string             { return h.txHash }
func (h *Handle) Nonce() uint64              { return h.nonce }
func (h *Handle) InBlock() <-chan struct{}   { return h.inBlock }
func (h *Handle) Finalized() <-chan struct{} { return h.finalized }
func (h *Handle) Done() <-chan struct{}      { return h.done }

// Status returns the latest known state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the terminal failure, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the call reaches m or fails. If ctx ends first the error is
// ledger.ErrTimeout and nothing is claimed about whether the call will be included.
func (h *Handle) Wait(ctx context.Context, m Milestone) (Receipt, error) {
	target := h.finalized
	if m == StatusInBlock {
		target = h.inBlock
	} else if m != StatusFinalized {
		return Receipt{}, fmt.Errorf("wait: %s is not a milestone", m)
	}

	select {
	case <-target:
		return h.receipt(m), nil
	case <-h.done:
		select {
		case <-target:
			return h.receipt(m), nil
		default:
		}
		return Receipt{}, h.Err()
	case <-ctx.Done():
		return Receipt{}, ledger.Errorf(ledger.KindTimeout, "wait "+m.String(),
			"call %s not confirmed in time, inclusion unknown: %v", h.txHash, ctx.Err())
	}
}

func (h *Handle) receipt(m Milestone) Receipt {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Receipt{TxHash: h.txHash, Signer: h.signer, Nonce: h.nonce, BlockHash: h.blockHash, Milestone: m}
}

func (h *Handle) set(s Status, blockHash string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
	if blockHash != "" {
		h.blockHash = blockHash
	}
}

func (h *Handle) finish(s Status, err error) {
	h.mu.Lock()
	h.status = s
	h.err = err
	h.mu.Unlock()
	h.doneOnce.Do(func() { close(h.done) })
}

func (h *Handle) track(watch Watch, timeout time.Duration, logger zerolog.Logger) {
	defer watch.Close()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case u, ok := <-watch.Updates():
			if !ok {
				h.finish(StatusErrored, ledger.Errorf(ledger.KindConnectionLost, "track",
					"status stream for %s ended before a terminal state", h.txHash))
				logger.Warn().Msg("status stream ended early")
				return
			}
			if h.apply(u, logger) {
				return
			}
		case <-timer.C:
			h.finish(StatusErrored, ledger.Errorf(ledger.KindTimeout, "track",
				"call %s not finalized within %s", h.txHash, timeout))
			logger.Warn().Dur("timeout", timeout).Msg("stopped tracking unfinalized call")
			return
		}
	}
}

// apply records one update and reports whether tracking is over.
func (h *Handle) apply(u Update, logger zerolog.Logger) bool {
	switch u.Status {
	case StatusBroadcast:
		h.set(StatusBroadcast, "")
		if u.Reason != "" {
			logger.Warn().Str("reason", u.Reason).Msg("call returned to pool")
		}
		return false

	case StatusInBlock:
		h.set(StatusInBlock, u.BlockHash)
		h.inOnce.Do(func() { close(h.inBlock) })
		logger.Debug().Str("block", u.BlockHash).Msg("in block")
		return false

	case StatusFinalized:
		h.set(StatusFinalized, u.BlockHash)
		h.inOnce.Do(func() { close(h.inBlock) })
		h.finOnce.Do(func() { close(h.finalized) })
		h.finish(StatusFinalized, nil)
		logger.Debug().Str("block", u.BlockHash).Msg("finalized")
		return true

	case StatusRejected:
		h.set(StatusRejected, u.BlockHash)
		h.finish(StatusRejected, ledger.Errorf(ledger.KindSubmissionRejected, "track", "call %s: %s", h.txHash, u.Reason))
		logger.Warn().Str("reason", u.Reason).Msg("call rejected")
		return true

	case StatusErrored:
		err := u.Err
		switch {
		case err == nil:
			err = ledger.Errorf(ledger.KindTimeout, "track", "call %s: %s", h.txHash, u.Reason)
		case ledger.KindOf(err) == "":
			err = ledger.E(ledger.KindConnectionLost, "track", err)
		}
		h.finish(StatusErrored, err)
		logger.Warn().Err(err).Msg("tracking failed")
		return true
	}
	return false
}

// IsRetryable reports whether err leaves the caller free to resubmit after checking,
// through a read, that the call was not included.
func IsRetryable(err error) bool {
	var le *ledger.Error
	return errors.As(err, &le) && le.Kind.Retryable()
}
