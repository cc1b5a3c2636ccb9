package reconciler

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	golog "github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/require"
	"github.com/toucanlabs/auction-client/auction"
	"github.com/toucanlabs/auction-client/cmd/bidderd/service/store"
)

func init() {
	if err := golog.SetLogLevel("bidderd/reconciler", "error"); err != nil {
		panic(err)
	}
}

var (
	testContract = common.HexToAddress("0x4200000000000000000000000000000000000001")
	testWallet   = common.HexToAddress("0xdeadbeef00000000000000000000000000000001")
)

type fakeBackend struct {
	lk       sync.Mutex
	bids     []auction.Bid
	sim      *auction.Checkpoint
	bidCalls int
}

func (f *fakeBackend) GetBidsByWallet(_ context.Context, _, _ common.Address, _ uint64) ([]auction.Bid, error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.bidCalls++
	out := make([]auction.Bid, len(f.bids))
	copy(out, f.bids)
	return out, nil
}

func (f *fakeBackend) SubmitBid(context.Context, *big.Int, *big.Int, common.Address, common.Address, uint64) (auction.TxRequest, string, error) {
	return auction.TxRequest{}, "", nil
}

func (f *fakeBackend) ExitBidPosition(context.Context, auction.BidID, common.Address, uint64, common.Address) (auction.TxRequest, string, error) {
	return auction.TxRequest{}, "", nil
}

func (f *fakeBackend) ExitBidAndClaimTokens(context.Context, []auction.ExitTarget, common.Address, uint64, common.Address) (auction.TxRequest, string, error) {
	return auction.TxRequest{}, "", nil
}

func (f *fakeBackend) SimulatedCheckpoint(context.Context, common.Address, uint64) (*auction.Checkpoint, error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	return f.sim, nil
}

func (f *fakeBackend) setBids(bids ...auction.Bid) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.bids = bids
}

func (f *fakeBackend) calls() int {
	f.lk.Lock()
	defer f.lk.Unlock()
	return f.bidCalls
}

type fakeBlocks struct {
	lk     sync.Mutex
	height uint64
}

func (f *fakeBlocks) CurrentBlock(context.Context) (uint64, error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	return f.height, nil
}

func (f *fakeBlocks) setHeight(h uint64) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.height = h
}

type fakeChain struct {
	lk sync.Mutex
	cp *auction.Checkpoint
}

func (f *fakeChain) Checkpoint(context.Context, common.Address) (*auction.Checkpoint, error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	return f.cp, nil
}

// fakeWatcher resolves known hashes immediately and blocks on unknown
// ones until the context is canceled.
type fakeWatcher struct {
	lk       sync.Mutex
	statuses map[common.Hash]auction.TxStatus
}

func (f *fakeWatcher) WaitFinalized(ctx context.Context, h common.Hash) (auction.TxStatus, error) {
	f.lk.Lock()
	status, ok := f.statuses[h]
	f.lk.Unlock()
	if ok {
		return status, nil
	}
	<-ctx.Done()
	return auction.TxStatusPending, ctx.Err()
}

type fixture struct {
	r       *Reconciler
	backend *fakeBackend
	blocks  *fakeBlocks
	chain   *fakeChain
	watcher *fakeWatcher
	store   *store.Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	backend := &fakeBackend{}
	blocks := &fakeBlocks{height: 150}
	chain := &fakeChain{}
	watcher := &fakeWatcher{statuses: map[common.Hash]auction.TxStatus{}}
	st := store.NewStore(dssync.MutexWrap(ds.NewMapDatastore()))

	params := Params{
		AuctionID:       "auction-1",
		AuctionContract: testContract,
		Wallet:          testWallet,
		ChainID:         8453,
		StartBlock:      100,
		EndBlock:        200,
		FloorPrice:      big.NewInt(1000),
		TickSize:        big.NewInt(100),
	}
	opts = append([]Option{WithPollFreq(time.Hour)}, opts...)
	r, err := New(backend, blocks, chain, watcher, st, params, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Close())
	})

	return &fixture{r: r, backend: backend, blocks: blocks, chain: chain, watcher: watcher, store: st}
}

func newBid(id string, price int64, status auction.BidStatus, createdAt time.Time) auction.Bid {
	return auction.Bid{
		ID:               auction.BidID(id),
		AuctionID:        "auction-1",
		Wallet:           testWallet,
		MaxPrice:         big.NewInt(price),
		BaseTokenInitial: big.NewInt(5000),
		CurrencySpent:    big.NewInt(0),
		Amount:           big.NewInt(0),
		Status:           status,
		CreatedAt:        createdAt,
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	st := store.NewStore(dssync.MutexWrap(ds.NewMapDatastore()))
	_, err := New(backend, &fakeBlocks{}, &fakeChain{}, &fakeWatcher{}, st, Params{
		AuctionContract: testContract,
		ChainID:         8453,
		StartBlock:      200,
		EndBlock:        100,
	})
	require.Error(t, err)
}

func TestPhaseGating(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithPostEndBufferBlocks(0))

	f.blocks.setHeight(50)
	require.NoError(t, f.r.tick(false))
	require.Equal(t, auction.PhaseNotStarted, f.r.Phase())
	require.Equal(t, 0, f.backend.calls())

	f.blocks.setHeight(150)
	require.NoError(t, f.r.tick(false))
	require.Equal(t, auction.PhaseInProgress, f.r.Phase())
	require.Equal(t, 1, f.backend.calls())

	f.blocks.setHeight(500)
	require.NoError(t, f.r.tick(false))
	require.Equal(t, auction.PhaseEnded, f.r.Phase())
	require.Equal(t, 1, f.backend.calls())

	// Forced passes bypass the gate.
	require.NoError(t, f.r.tick(true))
	require.Equal(t, 2, f.backend.calls())
}

func TestPollsAfterEndWithinBuffer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithPostEndBufferBlocks(30))

	f.blocks.setHeight(220)
	require.NoError(t, f.r.tick(false))
	require.Equal(t, 1, f.backend.calls())

	f.blocks.setHeight(231)
	require.NoError(t, f.r.tick(false))
	require.Equal(t, 1, f.backend.calls())
}

func TestPollsAfterEndWhileAwaiting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithPostEndBufferBlocks(0))

	f.store.TrackWithdrawal(common.HexToHash("0x01"), "bid-1")
	f.blocks.setHeight(500)
	require.NoError(t, f.r.tick(false))
	require.Equal(t, 1, f.backend.calls())
}

func TestClearingPriceSourceSwitch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	require.Zero(t, f.r.ClearingPrice().Sign())

	f.chain.lk.Lock()
	f.chain.cp = &auction.Checkpoint{
		ClearingPrice:  big.NewInt(1300),
		CurrencyRaised: big.NewInt(9000),
		Source:         auction.CheckpointOnChain,
	}
	f.chain.lk.Unlock()
	f.backend.lk.Lock()
	f.backend.sim = &auction.Checkpoint{
		ClearingPrice:  big.NewInt(1500),
		CurrencyRaised: big.NewInt(9500),
		Source:         auction.CheckpointSimulated,
	}
	f.backend.lk.Unlock()

	f.blocks.setHeight(150)
	require.NoError(t, f.r.tick(false))
	require.Equal(t, big.NewInt(1300), f.r.ClearingPrice())
	require.Equal(t, auction.CheckpointOnChain, f.r.Checkpoint().Source)

	f.blocks.setHeight(500)
	require.NoError(t, f.r.tick(true))
	require.Equal(t, big.NewInt(1500), f.r.ClearingPrice())
	require.Equal(t, auction.CheckpointSimulated, f.r.Checkpoint().Source)

	grid := f.r.Grid()
	require.Equal(t, big.NewInt(1500), grid.Clearing)
	require.Equal(t, big.NewInt(1000), grid.Floor)
}

func TestDedupeBids(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	now := time.Now()
	first := newBid("bid-1", 1300, auction.BidStatusSubmitted, now)
	dup := newBid("bid-1", 1400, auction.BidStatusSubmitted, now)
	f.backend.setBids(first, dup, newBid("bid-2", 1500, auction.BidStatusSubmitted, now))

	f.blocks.setHeight(150)
	require.NoError(t, f.r.tick(false))

	bids := f.store.Bids()
	require.Len(t, bids, 2)
	require.Equal(t, big.NewInt(1300), bids[0].MaxPrice)
}

func TestOptimisticBidConfirmed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	submittedAt := time.Now()
	f.store.SetOptimisticBid(auction.OptimisticBid{
		MaxPrice:    big.NewInt(1300),
		Budget:      big.NewInt(5000),
		SubmittedAt: submittedAt,
	})

	f.backend.setBids(newBid("bid-1", 1300, auction.BidStatusSubmitted, submittedAt.Add(5*time.Second)))
	f.blocks.setHeight(150)
	require.NoError(t, f.r.tick(false))

	require.Nil(t, f.store.OptimisticBid())
	require.Len(t, f.store.MergedBids("auction-1", testWallet), 1)
}

func TestOptimisticBidNotMatchedByDifferentPrice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	submittedAt := time.Now()
	f.store.SetOptimisticBid(auction.OptimisticBid{
		MaxPrice:    big.NewInt(1300),
		Budget:      big.NewInt(5000),
		SubmittedAt: submittedAt,
	})

	f.backend.setBids(newBid("bid-1", 1400, auction.BidStatusSubmitted, submittedAt.Add(time.Second)))
	f.blocks.setHeight(150)
	require.NoError(t, f.r.tick(false))

	require.NotNil(t, f.store.OptimisticBid())
	require.Len(t, f.store.MergedBids("auction-1", testWallet), 2)
}

func TestOptimisticBidNotMatchedOutsideWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithOptimisticExpiry(time.Hour))

	submittedAt := time.Now()
	f.store.SetOptimisticBid(auction.OptimisticBid{
		MaxPrice:    big.NewInt(1300),
		Budget:      big.NewInt(5000),
		SubmittedAt: submittedAt,
	})

	f.backend.setBids(newBid("bid-1", 1300, auction.BidStatusSubmitted, submittedAt.Add(time.Minute)))
	f.blocks.setHeight(150)
	require.NoError(t, f.r.tick(false))

	require.NotNil(t, f.store.OptimisticBid())
}

func TestOptimisticBidExpires(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.store.SetOptimisticBid(auction.OptimisticBid{
		MaxPrice:    big.NewInt(1300),
		Budget:      big.NewInt(5000),
		SubmittedAt: time.Now().Add(-time.Minute),
	})

	f.blocks.setHeight(150)
	require.NoError(t, f.r.tick(false))

	require.Nil(t, f.store.OptimisticBid())
}

func TestFailedSubmissionClearsOptimisticBid(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	txHash := common.HexToHash("0xaa")
	f.watcher.lk.Lock()
	f.watcher.statuses[txHash] = auction.TxStatusFailed
	f.watcher.lk.Unlock()

	f.store.SetOptimisticBid(auction.OptimisticBid{
		MaxPrice:    big.NewInt(1300),
		Budget:      big.NewInt(5000),
		SubmittedAt: time.Now(),
		TxHash:      txHash,
	})

	f.blocks.setHeight(150)
	require.NoError(t, f.r.tick(false))

	require.Eventually(t, func() bool {
		return f.store.OptimisticBid() == nil
	}, time.Second*5, time.Millisecond*20)
}

func TestWithdrawalsResolveIndependently(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	now := time.Now()
	f.backend.setBids(
		newBid("bid-a", 1300, auction.BidStatusSubmitted, now),
		newBid("bid-b", 1400, auction.BidStatusSubmitted, now),
	)
	f.blocks.setHeight(150)
	require.NoError(t, f.r.tick(false))

	hashA := common.HexToHash("0x0a")
	hashB := common.HexToHash("0x0b")
	f.watcher.lk.Lock()
	f.watcher.statuses[hashA] = auction.TxStatusFailed
	f.watcher.statuses[hashB] = auction.TxStatusSuccess
	f.watcher.lk.Unlock()

	f.store.TrackWithdrawal(hashA, "bid-a")
	f.store.TrackWithdrawal(hashB, "bid-b")
	require.NoError(t, f.r.tick(true))

	// The failed withdrawal clears all tracking for bid-a; the
	// successful one clears bid-b's pending entry but keeps it
	// awaiting backend confirmation.
	require.Eventually(t, func() bool {
		pending := f.store.PendingWithdrawals()
		awaiting := f.store.AwaitingConfirmation()
		_, aPending := pending["bid-a"]
		_, aAwaiting := awaiting["bid-a"]
		_, bPending := pending["bid-b"]
		_, bAwaiting := awaiting["bid-b"]
		return !aPending && !aAwaiting && !bPending && bAwaiting
	}, time.Second*5, time.Millisecond*20)

	// Once the backend reflects the exit, the awaiting entry resolves.
	f.backend.setBids(
		newBid("bid-a", 1300, auction.BidStatusSubmitted, now),
		newBid("bid-b", 1400, auction.BidStatusExited, now),
	)
	require.NoError(t, f.r.tick(true))
	require.Empty(t, f.store.AwaitingConfirmation())
}

func TestAwaitingResolutionAfterGraduation(t *testing.T) {
	t.Parallel()
	graduated := false
	var lk sync.Mutex
	f := newFixture(t, WithGraduationSource(func() bool {
		lk.Lock()
		defer lk.Unlock()
		return graduated
	}))

	now := time.Now()
	f.store.TrackWithdrawal(common.HexToHash("0x0c"), "bid-c")
	f.store.ClearPendingForTx(common.HexToHash("0x0c"))

	lk.Lock()
	graduated = true
	lk.Unlock()

	// After graduation an exited bid is not terminal; only a claim is.
	f.backend.setBids(newBid("bid-c", 1300, auction.BidStatusExited, now))
	f.blocks.setHeight(150)
	require.NoError(t, f.r.tick(true))
	require.Len(t, f.store.AwaitingConfirmation(), 1)

	f.backend.setBids(newBid("bid-c", 1300, auction.BidStatusClaimed, now))
	require.NoError(t, f.r.tick(true))
	require.Empty(t, f.store.AwaitingConfirmation())
}

func TestPokeTriggersImmediatePass(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.blocks.setHeight(50)
	f.r.Poke()
	require.Eventually(t, func() bool {
		return f.backend.calls() == 1
	}, time.Second*5, time.Millisecond*20)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.r.Close())
	require.NoError(t, f.r.Close())
}

func TestWithdrawalResolved(t *testing.T) {
	t.Parallel()
	require.True(t, withdrawalResolved(auction.BidStatusExited, false))
	require.True(t, withdrawalResolved(auction.BidStatusClaimed, false))
	require.False(t, withdrawalResolved(auction.BidStatusSubmitted, false))
	require.False(t, withdrawalResolved(auction.BidStatusExited, true))
	require.True(t, withdrawalResolved(auction.BidStatusClaimed, true))
}
