// Package reconciler keeps the local bid state consistent with the
// eventually-consistent backend ledger: it polls the bidder's bids,
// resolves the optimistic bid, advances withdrawal tracking as
// transactions finalize, and maintains the authoritative clearing
// price from the phase-appropriate checkpoint source.
package reconciler

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	golog "github.com/ipfs/go-log/v2"
	"github.com/toucanlabs/auction-client/auction"
	"github.com/toucanlabs/auction-client/clearing"
	"github.com/toucanlabs/auction-client/cmd/bidderd/service/store"
	"github.com/toucanlabs/auction-client/ticks"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

var log = golog.Logger("bidderd/reconciler")

// BlockSource reports the current chain height.
type BlockSource interface {
	CurrentBlock(ctx context.Context) (uint64, error)
}

// CheckpointSource reads the live checkpoint from the auction contract.
type CheckpointSource interface {
	Checkpoint(ctx context.Context, auctionContract common.Address) (*auction.Checkpoint, error)
}

// Params describe the auction being reconciled.
type Params struct {
	AuctionID       auction.AuctionID
	AuctionContract common.Address
	Wallet          common.Address
	ChainID         uint64
	StartBlock      uint64
	EndBlock        uint64
	FloorPrice      *big.Int // Q96
	TickSize        *big.Int // Q96
}

// Validate ensures Params are valid.
func (p *Params) Validate() error {
	if p.AuctionContract == (common.Address{}) {
		return fmt.Errorf("auction contract address is empty")
	}
	if p.ChainID == 0 {
		return fmt.Errorf("chain id is zero")
	}
	if p.EndBlock <= p.StartBlock {
		return fmt.Errorf("end block must be greater than start block")
	}
	return nil
}

// Reconciler is the polling engine. One instance serves one
// (auction, wallet, chain) combination; tearing it down abandons any
// in-flight work without mutating shared state.
type Reconciler struct {
	backend    auction.Backend
	blocks     BlockSource
	checkpoint CheckpointSource
	watcher    auction.TxWatcher
	store      *store.Store
	params     Params
	config     config

	poke chan struct{}

	lk        sync.Mutex
	phase     auction.Phase
	onchain   *auction.Checkpoint
	simulated *auction.Checkpoint
	watched   map[common.Hash]struct{}

	onceClose       sync.Once
	daemonCtx       context.Context
	daemonCancelCtx context.CancelFunc
	daemonClosed    chan struct{}

	metricPolls       metric.Int64Counter
	metricReplaced    metric.Int64Counter
	metricOptResolved metric.Int64Counter
	metricTxFinalized metric.Int64Counter
}

// New returns a started Reconciler.
func New(
	backend auction.Backend,
	blocks BlockSource,
	checkpoint CheckpointSource,
	watcher auction.TxWatcher,
	st *store.Store,
	params Params,
	opts ...Option,
) (*Reconciler, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("validating params: %v", err)
	}
	cfg := defaultConfig
	for _, op := range opts {
		if err := op(&cfg); err != nil {
			return nil, fmt.Errorf("applying option: %s", err)
		}
	}

	ctx, cls := context.WithCancel(context.Background())
	r := &Reconciler{
		backend:    backend,
		blocks:     blocks,
		checkpoint: checkpoint,
		watcher:    watcher,
		store:      st,
		params:     params,
		config:     cfg,

		poke:    make(chan struct{}, 1),
		watched: map[common.Hash]struct{}{},

		daemonCtx:       ctx,
		daemonCancelCtx: cls,
		daemonClosed:    make(chan struct{}),
	}
	r.initMetrics()

	go r.daemon()

	return r, nil
}

// Close shuts the reconciler down, waiting for the daemon to stop.
func (r *Reconciler) Close() error {
	r.onceClose.Do(func() {
		r.daemonCancelCtx()
		<-r.daemonClosed
	})
	return nil
}

// Poke requests an immediate reconcile, bypassing the polling gate.
// Used right after a withdrawal broadcast. Non-blocking.
func (r *Reconciler) Poke() {
	select {
	case r.poke <- struct{}{}:
	default:
	}
}

// Phase returns the last observed auction phase.
func (r *Reconciler) Phase() auction.Phase {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.phase
}

// ClearingPrice resolves the clearing price from the checkpoint source
// authoritative for the current phase.
func (r *Reconciler) ClearingPrice() *big.Int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return clearing.Resolve(r.phase, r.onchain, r.simulated)
}

// Checkpoint returns the authoritative checkpoint for the current
// phase, or nil when none exists yet.
func (r *Reconciler) Checkpoint() *auction.Checkpoint {
	r.lk.Lock()
	defer r.lk.Unlock()
	return clearing.Pick(r.phase, r.onchain, r.simulated)
}

// Grid returns the current tick grid for price snapping and
// validation.
func (r *Reconciler) Grid() ticks.Grid {
	return ticks.Grid{
		Floor:    r.params.FloorPrice,
		Clearing: r.ClearingPrice(),
		Size:     r.params.TickSize,
	}
}

// Graduated reports whether claiming is the terminal state for
// withdrawn bids.
func (r *Reconciler) Graduated() bool {
	return r.config.graduated()
}

func (r *Reconciler) daemon() {
	defer close(r.daemonClosed)

	for {
		select {
		case <-r.daemonCtx.Done():
			log.Infof("reconcile daemon closed")
			return
		case <-time.After(r.config.pollFreq):
			if err := r.tick(false); err != nil {
				log.Errorf("reconcile tick: %s", err)
			}
		case <-r.poke:
			if err := r.tick(true); err != nil {
				log.Errorf("forced reconcile tick: %s", err)
			}
		}
	}
}

// tick runs one reconcile pass. A failed pass leaves the previous
// state displayed and is retried on the next schedule.
func (r *Reconciler) tick(forced bool) error {
	ctx, cancel := context.WithTimeout(r.daemonCtx, r.config.requestTimeout)
	defer cancel()

	head, err := r.blocks.CurrentBlock(ctx)
	if err != nil {
		return fmt.Errorf("getting chain height: %s", err)
	}
	phase := r.phaseAt(head)
	r.lk.Lock()
	r.phase = phase
	r.lk.Unlock()

	if !r.shouldPoll(phase, head, forced) {
		return nil
	}
	r.metricPolls.Add(r.daemonCtx, 1)

	var (
		bids      []auction.Bid
		simulated *auction.Checkpoint
		onchain   *auction.Checkpoint
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		bids, err = r.backend.GetBidsByWallet(gctx, r.params.Wallet, r.params.AuctionContract, r.params.ChainID)
		if err != nil {
			return fmt.Errorf("fetching bids: %s", err)
		}
		return nil
	})
	g.Go(func() error {
		cp, err := r.backend.SimulatedCheckpoint(gctx, r.params.AuctionContract, r.params.ChainID)
		if err != nil {
			// Degrade: keep the previous checkpoint.
			log.Warnf("fetching simulated checkpoint: %s", err)
			return nil
		}
		simulated = cp
		return nil
	})
	if phase == auction.PhaseInProgress {
		g.Go(func() error {
			cp, err := r.checkpoint.Checkpoint(gctx, r.params.AuctionContract)
			if err != nil {
				log.Warnf("reading on-chain checkpoint: %s", err)
				return nil
			}
			onchain = cp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// A response that arrives after teardown must not mutate shared
	// state.
	if r.daemonCtx.Err() != nil {
		return nil
	}

	r.lk.Lock()
	if onchain != nil {
		r.onchain = onchain
	}
	if simulated != nil {
		r.simulated = simulated
	}
	r.lk.Unlock()

	deduped := dedupeBids(bids)
	if r.store.SetBids(deduped) {
		r.metricReplaced.Add(r.daemonCtx, 1)
	}

	r.resolveOptimistic(deduped)
	r.resolveAwaiting(deduped)
	r.ensureWatchers()

	return nil
}

func (r *Reconciler) phaseAt(head uint64) auction.Phase {
	switch {
	case head < r.params.StartBlock:
		return auction.PhaseNotStarted
	case head <= r.params.EndBlock:
		return auction.PhaseInProgress
	default:
		return auction.PhaseEnded
	}
}

// shouldPoll gates the periodic fetch: never before the auction
// starts, always while it runs, for a buffer of blocks after it ends
// to absorb indexer lag, and after that only when forced or while a
// withdrawal still awaits backend confirmation.
func (r *Reconciler) shouldPoll(phase auction.Phase, head uint64, forced bool) bool {
	if forced {
		return true
	}
	switch phase {
	case auction.PhaseNotStarted:
		return false
	case auction.PhaseInProgress:
		return true
	default:
		if head <= r.params.EndBlock+r.config.postEndBufferBlocks {
			return true
		}
		return len(r.store.AwaitingConfirmation()) > 0
	}
}

// dedupeBids drops duplicate bid ids; the first occurrence wins.
func dedupeBids(bids []auction.Bid) []auction.Bid {
	seen := make(map[auction.BidID]struct{}, len(bids))
	out := make([]auction.Bid, 0, len(bids))
	for _, b := range bids {
		if _, ok := seen[b.ID]; ok {
			log.Warnf("dropping duplicate bid %s from backend response", b.ID)
			continue
		}
		seen[b.ID] = struct{}{}
		out = append(out, b)
	}
	return out
}

// resolveOptimistic clears the optimistic bid once a matching backend
// bid appears, or unconditionally after the safety expiry so a stuck
// entry can't mask real bids. Matching is heuristic: exact max price
// plus a bounded creation-time distance from the broadcast.
func (r *Reconciler) resolveOptimistic(bids []auction.Bid) {
	o := r.store.OptimisticBid()
	if o == nil {
		return
	}

	for _, b := range bids {
		if b.MaxPrice.Cmp(o.MaxPrice) != 0 {
			continue
		}
		delta := b.CreatedAt.Sub(o.SubmittedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta < r.config.optimisticMatchWindow {
			log.Debugf("optimistic bid confirmed as %s", b.ID)
			r.store.ClearOptimisticBid()
			r.metricOptResolved.Add(r.daemonCtx, 1)
			return
		}
	}

	if time.Since(o.SubmittedAt) > r.config.optimisticExpiry {
		log.Warnf("optimistic bid (tx %s) expired without backend confirmation", o.TxHash)
		r.store.ClearOptimisticBid()
		r.metricOptResolved.Add(r.daemonCtx, 1)
	}
}

// resolveAwaiting removes bids from the awaiting-confirmation set once
// the backend reflects a status satisfying the graduation-dependent
// resolution predicate.
func (r *Reconciler) resolveAwaiting(bids []auction.Bid) {
	awaiting := r.store.AwaitingConfirmation()
	if len(awaiting) == 0 {
		return
	}
	byID := make(map[auction.BidID]auction.Bid, len(bids))
	for _, b := range bids {
		byID[b.ID] = b
	}

	graduated := r.config.graduated()
	for id := range awaiting {
		b, ok := byID[id]
		if !ok {
			// The hard reset in SetBids already dropped the tracking.
			continue
		}
		if withdrawalResolved(b.Status, graduated) {
			log.Debugf("withdrawal of bid %s reflected by backend (status %s)", id, b.Status)
			r.store.ClearAwaiting(id)
		}
	}
}

// withdrawalResolved is the resolution predicate: before graduation an
// exit is terminal; after graduation only a claim is.
func withdrawalResolved(status auction.BidStatus, graduated bool) bool {
	if graduated {
		return status == auction.BidStatusClaimed
	}
	return status == auction.BidStatusExited || status == auction.BidStatusClaimed
}

// ensureWatchers starts a finalization watcher for every transaction
// hash referenced by the pending-withdrawal map or the optimistic bid.
// Watchers are per-hash and idempotent.
func (r *Reconciler) ensureWatchers() {
	hashes := map[common.Hash]bool{} // hash -> is optimistic submission
	for _, h := range r.store.PendingWithdrawals() {
		hashes[h] = false
	}
	if o := r.store.OptimisticBid(); o != nil && o.TxHash != (common.Hash{}) {
		if _, ok := hashes[o.TxHash]; !ok {
			hashes[o.TxHash] = true
		}
	}

	r.lk.Lock()
	defer r.lk.Unlock()
	for h, optimistic := range hashes {
		if _, ok := r.watched[h]; ok {
			continue
		}
		r.watched[h] = struct{}{}
		go r.watchTx(h, optimistic)
	}
}

// watchTx waits for one transaction to finalize and advances tracking:
// a successful withdrawal clears only its pending entries (the backend
// index may still lag), a failed one clears all tracking for its bids,
// and a failed submission clears the optimistic bid.
func (r *Reconciler) watchTx(h common.Hash, optimisticSubmission bool) {
	defer func() {
		r.lk.Lock()
		delete(r.watched, h)
		r.lk.Unlock()
	}()

	status, err := r.watcher.WaitFinalized(r.daemonCtx, h)
	if err != nil {
		if r.daemonCtx.Err() == nil {
			log.Errorf("watching tx %s: %v", h, err)
		}
		return
	}
	r.metricTxFinalized.Add(r.daemonCtx, 1, attrTxStatus.String(status.String()))

	switch status {
	case auction.TxStatusSuccess:
		if !optimisticSubmission {
			r.store.ClearPendingForTx(h)
		}
		// A successful submission resolves through the backend list,
		// not here.
	case auction.TxStatusFailed:
		log.Warnf("tx %s failed on-chain", h)
		r.store.ClearTrackingForTx(h)
		if o := r.store.OptimisticBid(); o != nil && o.TxHash == h {
			r.store.ClearOptimisticBid()
		}
	}

	r.Poke()
}
