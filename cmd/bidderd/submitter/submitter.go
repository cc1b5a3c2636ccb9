// Package submitter is the submission pipeline of the bid engine: it
// validates bid and withdrawal requests, memoizes prepared transactions
// so repeated evaluation doesn't re-request backend-built calldata, and
// broadcasts through the wallet boundary.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	golog "github.com/ipfs/go-log/v2"
	"github.com/toucanlabs/auction-client/auction"
	"github.com/toucanlabs/auction-client/cmd/bidderd/service/store"
	"github.com/toucanlabs/auction-client/metrics"
	"github.com/toucanlabs/auction-client/ticks"
	"go.opentelemetry.io/otel/metric"
)

var (
	log = golog.Logger("bidderd/submitter")

	// ErrZeroBudget indicates an absent or zero bid budget.
	ErrZeroBudget = errors.New("budget must be greater than zero")

	// ErrInsufficientBalance indicates the budget exceeds the wallet
	// balance.
	ErrInsufficientBalance = errors.New("budget exceeds wallet balance")

	// ErrPriceBelowMinimum indicates a max price at or below the
	// minimum valid bid (one tick above the clearing price).
	ErrPriceBelowMinimum = errors.New("max price below minimum valid bid")

	// ErrUnusableGrid indicates the tick grid isn't available yet, so
	// no price can be validated.
	ErrUnusableGrid = errors.New("tick grid not available")

	// ErrNothingToWithdraw indicates an empty withdrawal target list.
	ErrNothingToWithdraw = errors.New("no bids to withdraw")
)

// GridSource returns the current tick grid. Called on every
// preparation because the clearing price may have moved since the
// user's last keystroke.
type GridSource func() ticks.Grid

// Params are the static identities every prepared transaction embeds.
type Params struct {
	AuctionContract  common.Address
	Currency         common.Address
	IsNative         bool
	ChainID          uint64
	BidTokenDecimals uint8
}

// Validate ensures Params are valid.
func (p *Params) Validate() error {
	if p.AuctionContract == (common.Address{}) {
		return errors.New("auction contract address is empty")
	}
	if p.ChainID == 0 {
		return errors.New("chain id is zero")
	}
	if !p.IsNative && p.Currency == (common.Address{}) {
		return errors.New("currency address is empty for a non-native auction")
	}
	return nil
}

// Submitter validates, prepares, and broadcasts bid and withdrawal
// transactions.
type Submitter struct {
	backend auction.Backend
	wallet  auction.Wallet
	store   *store.Store
	grid    GridSource
	params  Params
	memo    *lru.Cache
	config  config

	metricPrepareBid        metric.Int64Counter
	metricSubmitBid         metric.Int64Counter
	metricPrepareWithdrawal metric.Int64Counter
	metricStartWithdrawal   metric.Int64Counter
}

// New returns a new Submitter.
func New(
	backend auction.Backend,
	wallet auction.Wallet,
	st *store.Store,
	grid GridSource,
	params Params,
	opts ...Option,
) (*Submitter, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("validating params: %v", err)
	}
	cfg := defaultConfig
	for _, op := range opts {
		if err := op(&cfg); err != nil {
			return nil, fmt.Errorf("applying option: %s", err)
		}
	}
	memo, err := lru.New(cfg.memoSize)
	if err != nil {
		return nil, fmt.Errorf("creating memo cache: %v", err)
	}
	s := &Submitter{
		backend: backend,
		wallet:  wallet,
		store:   st,
		grid:    grid,
		params:  params,
		memo:    memo,
		config:  cfg,
	}
	s.initMetrics()
	return s, nil
}

// PreparedBid is a validated, backend-built bid transaction ready for
// signing.
type PreparedBid struct {
	TxRequest auction.TxRequest
	RequestID string
	MaxPrice  *big.Int // Q96, snapped
	Budget    *big.Int // raw
	memoKey   string
}

// PrepareBid validates the budget and max price against the current
// grid and wallet balance, then returns calldata for the bid.
// Identical economically meaningful inputs return the memoized result
// without a backend round-trip; any change forces a fresh preparation.
func (s *Submitter) PrepareBid(ctx context.Context, budget, maxPrice *big.Int) (pb *PreparedBid, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, s.metricPrepareBid) }()

	if budget == nil || budget.Sign() <= 0 {
		return nil, ErrZeroBudget
	}
	grid := s.grid()
	min := grid.MinValidBid()
	if min == nil {
		return nil, ErrUnusableGrid
	}
	if maxPrice == nil || maxPrice.Cmp(min) < 0 {
		return nil, ErrPriceBelowMinimum
	}
	snapped := grid.SnapAboveClearing(maxPrice)

	key := s.bidMemoKey(budget, snapped)
	if v, ok := s.memo.Get(key); ok {
		log.Debugf("returning memoized bid preparation %s", key)
		return v.(*PreparedBid), nil
	}

	balance, err := s.wallet.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting wallet balance: %v", err)
	}
	if budget.Cmp(balance) > 0 {
		return nil, ErrInsufficientBalance
	}

	txr, requestID, err := s.backend.SubmitBid(ctx, snapped, budget, s.wallet.Address(), s.params.AuctionContract, s.params.ChainID)
	if err != nil {
		return nil, fmt.Errorf("preparing bid transaction: %v", err)
	}

	prepared := &PreparedBid{
		TxRequest: txr,
		RequestID: requestID,
		MaxPrice:  snapped,
		Budget:    new(big.Int).Set(budget),
		memoKey:   key,
	}
	s.memo.Add(key, prepared)
	return prepared, nil
}

// bidMemoKey is the canonical signature of the economically meaningful
// bid inputs.
func (s *Submitter) bidMemoKey(budget, snapped *big.Int) string {
	return strings.Join([]string{
		"bid",
		budget.String(),
		snapped.String(),
		fmt.Sprintf("%d", s.params.ChainID),
		s.wallet.Address().Hex(),
		s.params.AuctionContract.Hex(),
		s.params.Currency.Hex(),
		fmt.Sprintf("%t", s.params.IsNative),
	}, "|")
}

// SubmitBid broadcasts a prepared bid. On acceptance the optimistic
// bid is recorded and the preparation is invalidated; on signature or
// broadcast failure nothing is retained.
func (s *Submitter) SubmitBid(ctx context.Context, prepared *PreparedBid) (txHash common.Hash, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, s.metricSubmitBid) }()

	txHash, err = s.wallet.SignAndSend(ctx, prepared.TxRequest)
	if err != nil {
		err = fmt.Errorf("broadcasting bid: %v", err)
		s.store.SetSubmissionError(err)
		return common.Hash{}, err
	}

	s.memo.Remove(prepared.memoKey)
	s.store.SetSubmissionError(nil)
	s.store.SetOptimisticBid(auction.OptimisticBid{
		MaxPrice:         prepared.MaxPrice,
		Budget:           prepared.Budget,
		BidTokenDecimals: s.params.BidTokenDecimals,
		SubmittedAt:      time.Now(),
		TxHash:           txHash,
	})
	if s.config.refetch != nil {
		s.config.refetch()
	}

	log.Infof("submitted bid at price %s with budget %s: tx %s", prepared.MaxPrice, prepared.Budget, txHash)
	return txHash, nil
}

// PreparedWithdrawal is a validated, backend-built exit or
// exit-and-claim transaction ready for signing.
type PreparedWithdrawal struct {
	TxRequest auction.TxRequest
	RequestID string
	BidIDs    []auction.BidID
	memoKey   string
}

// PrepareWithdrawal prepares an exit for the given non-claimed bids.
// A single bid before the claim window opens takes the simpler exit
// contract call; anything else takes the batch exit-and-claim call.
// The same memo discipline as bid preparation applies.
func (s *Submitter) PrepareWithdrawal(ctx context.Context, bids []auction.Bid, claimWindowOpen bool) (pw *PreparedWithdrawal, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, s.metricPrepareWithdrawal) }()

	targets := make([]auction.ExitTarget, 0, len(bids))
	for _, b := range bids {
		if b.Status == auction.BidStatusClaimed {
			continue
		}
		targets = append(targets, auction.ExitTarget{
			ID:       b.ID,
			IsExited: b.Status == auction.BidStatusExited,
		})
	}
	if len(targets) == 0 {
		return nil, ErrNothingToWithdraw
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })

	key := s.withdrawalMemoKey(targets, claimWindowOpen)
	if v, ok := s.memo.Get(key); ok {
		log.Debugf("returning memoized withdrawal preparation %s", key)
		return v.(*PreparedWithdrawal), nil
	}

	var (
		txr       auction.TxRequest
		requestID string
	)
	if !claimWindowOpen && len(targets) == 1 {
		txr, requestID, err = s.backend.ExitBidPosition(
			ctx, targets[0].ID, s.params.AuctionContract, s.params.ChainID, s.wallet.Address())
	} else {
		txr, requestID, err = s.backend.ExitBidAndClaimTokens(
			ctx, targets, s.params.AuctionContract, s.params.ChainID, s.wallet.Address())
	}
	if err != nil {
		return nil, fmt.Errorf("preparing withdrawal transaction: %v", err)
	}

	ids := make([]auction.BidID, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}
	prepared := &PreparedWithdrawal{
		TxRequest: txr,
		RequestID: requestID,
		BidIDs:    ids,
		memoKey:   key,
	}
	s.memo.Add(key, prepared)
	return prepared, nil
}

func (s *Submitter) withdrawalMemoKey(targets []auction.ExitTarget, claimWindowOpen bool) string {
	parts := []string{
		"withdraw",
		fmt.Sprintf("%t", claimWindowOpen),
		fmt.Sprintf("%d", s.params.ChainID),
		s.wallet.Address().Hex(),
		s.params.AuctionContract.Hex(),
	}
	for _, t := range targets {
		parts = append(parts, fmt.Sprintf("%s:%t", t.ID, t.IsExited))
	}
	return strings.Join(parts, "|")
}

// StartWithdrawal broadcasts a prepared withdrawal, registers every
// target bid in the pending-withdrawal tracking set against the
// transaction hash, and triggers an immediate reconcile.
func (s *Submitter) StartWithdrawal(ctx context.Context, prepared *PreparedWithdrawal) (txHash common.Hash, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, s.metricStartWithdrawal) }()

	txHash, err = s.wallet.SignAndSend(ctx, prepared.TxRequest)
	if err != nil {
		err = fmt.Errorf("broadcasting withdrawal: %v", err)
		s.store.SetSubmissionError(err)
		return common.Hash{}, err
	}

	s.memo.Remove(prepared.memoKey)
	s.store.SetSubmissionError(nil)
	s.store.TrackWithdrawal(txHash, prepared.BidIDs...)
	if s.config.refetch != nil {
		s.config.refetch()
	}

	log.Infof("started withdrawal of %d bid(s): tx %s", len(prepared.BidIDs), txHash)
	return txHash, nil
}
