// Package service wires the bid engine together: the shared state
// store, the submission pipeline, and the reconciliation daemon, all
// scoped to one auction, wallet, and chain.
package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ds "github.com/ipfs/go-datastore"
	golog "github.com/ipfs/go-log/v2"
	"github.com/toucanlabs/auction-client/auction"
	"github.com/toucanlabs/auction-client/cmd/bidderd/reconciler"
	"github.com/toucanlabs/auction-client/cmd/bidderd/service/store"
	"github.com/toucanlabs/auction-client/cmd/bidderd/submitter"
)

var log = golog.Logger("bidderd/service")

// Config defines params for Service configuration.
type Config struct {
	Backend    auction.Backend
	Wallet     auction.Wallet
	Blocks     reconciler.BlockSource
	Checkpoint reconciler.CheckpointSource
	Watcher    auction.TxWatcher
	Datastore  ds.Datastore

	Auction reconciler.Params
	Submit  submitter.Params

	ReconcilerOptions []reconciler.Option
	SubmitterOptions  []submitter.Option
}

// Validate ensures the Config is valid.
func (c *Config) Validate() error {
	if c.Backend == nil {
		return fmt.Errorf("backend is nil")
	}
	if c.Wallet == nil {
		return fmt.Errorf("wallet is nil")
	}
	if c.Blocks == nil {
		return fmt.Errorf("block source is nil")
	}
	if c.Checkpoint == nil {
		return fmt.Errorf("checkpoint source is nil")
	}
	if c.Watcher == nil {
		return fmt.Errorf("tx watcher is nil")
	}
	if c.Datastore == nil {
		return fmt.Errorf("datastore is nil")
	}
	if err := c.Auction.Validate(); err != nil {
		return fmt.Errorf("invalid auction params: %v", err)
	}
	if err := c.Submit.Validate(); err != nil {
		return fmt.Errorf("invalid submit params: %v", err)
	}
	return nil
}

// Service exposes the bid engine to the API layer.
type Service struct {
	store      *store.Store
	submitter  *submitter.Submitter
	reconciler *reconciler.Reconciler
	auctionID  auction.AuctionID
	wallet     common.Address

	onceClose sync.Once
	closeErr  error
}

// New returns a new Service.
func New(conf Config) (*Service, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %v", err)
	}

	st := store.NewStore(conf.Datastore)

	rec, err := reconciler.New(
		conf.Backend, conf.Blocks, conf.Checkpoint, conf.Watcher, st,
		conf.Auction, conf.ReconcilerOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating reconciler: %v", err)
	}

	subOpts := append([]submitter.Option{submitter.WithRefetchTrigger(rec.Poke)}, conf.SubmitterOptions...)
	sub, err := submitter.New(conf.Backend, conf.Wallet, st, rec.Grid, conf.Submit, subOpts...)
	if err != nil {
		_ = rec.Close()
		return nil, fmt.Errorf("creating submitter: %v", err)
	}

	s := &Service{
		store:      st,
		submitter:  sub,
		reconciler: rec,
		auctionID:  conf.Auction.AuctionID,
		wallet:     conf.Wallet.Address(),
	}
	log.Infof("service started for auction %s, wallet %s", s.auctionID, s.wallet)
	return s, nil
}

// Close shuts the service down, stopping the reconciliation daemon.
func (s *Service) Close() error {
	s.onceClose.Do(func() {
		s.closeErr = s.reconciler.Close()
		log.Info("service was shutdown")
	})
	return s.closeErr
}

// Bids returns the backend bid list merged with the optimistic bid.
func (s *Service) Bids() []auction.Bid {
	return s.store.MergedBids(s.auctionID, s.wallet)
}

// OptimisticBid returns the unresolved optimistic bid, if any.
func (s *Service) OptimisticBid() *auction.OptimisticBid {
	return s.store.OptimisticBid()
}

// PendingWithdrawals returns bids with a broadcast, unfinalized
// withdrawal transaction.
func (s *Service) PendingWithdrawals() map[auction.BidID]common.Hash {
	return s.store.PendingWithdrawals()
}

// AwaitingConfirmation returns bids whose withdrawal finalized but
// isn't reflected by the backend yet.
func (s *Service) AwaitingConfirmation() map[auction.BidID]struct{} {
	return s.store.AwaitingConfirmation()
}

// Phase returns the current auction phase.
func (s *Service) Phase() auction.Phase {
	return s.reconciler.Phase()
}

// Checkpoint returns the authoritative checkpoint for the current
// phase.
func (s *Service) Checkpoint() *auction.Checkpoint {
	return s.reconciler.Checkpoint()
}

// ClearingPrice returns the authoritative clearing price.
func (s *Service) ClearingPrice() *big.Int {
	return s.reconciler.ClearingPrice()
}

// SubmissionError returns the last submission pipeline error, or nil.
func (s *Service) SubmissionError() error {
	return s.store.SubmissionError()
}

// History returns up to limit journaled bid status changes, newest
// first.
func (s *Service) History(limit int) ([]store.HistoryEntry, error) {
	return s.store.History(limit)
}

// PlaceBid validates, prepares, and broadcasts a bid in one step.
func (s *Service) PlaceBid(ctx context.Context, budget, maxPrice *big.Int) (common.Hash, error) {
	prepared, err := s.submitter.PrepareBid(ctx, budget, maxPrice)
	if err != nil {
		return common.Hash{}, err
	}
	return s.submitter.SubmitBid(ctx, prepared)
}

// Withdraw exits every withdrawable bid in one transaction.
func (s *Service) Withdraw(ctx context.Context, claimWindowOpen bool) (common.Hash, error) {
	prepared, err := s.submitter.PrepareWithdrawal(ctx, s.store.Bids(), claimWindowOpen)
	if err != nil {
		return common.Hash{}, err
	}
	return s.submitter.StartWithdrawal(ctx, prepared)
}
