package store

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"
	"github.com/toucanlabs/auction-client/auction"
)

func newStore() *Store {
	return NewStore(dssync.MutexWrap(ds.NewMapDatastore()))
}

func bid(id string, status auction.BidStatus) auction.Bid {
	return auction.Bid{
		ID:               auction.BidID(id),
		AuctionID:        "a1",
		Wallet:           common.HexToAddress("0x01"),
		MaxPrice:         big.NewInt(100),
		BaseTokenInitial: big.NewInt(1000),
		CurrencySpent:    big.NewInt(0),
		Amount:           big.NewInt(0),
		Status:           status,
		CreatedAt:        time.Unix(1700000000, 0),
	}
}

func TestSetBids(t *testing.T) {
	t.Parallel()

	s := newStore()

	require.True(t, s.SetBids([]auction.Bid{bid("b1", auction.BidStatusSubmitted)}))
	require.Len(t, s.Bids(), 1)

	// Identical set, any order: no replacement.
	require.False(t, s.SetBids([]auction.Bid{bid("b1", auction.BidStatusSubmitted)}))

	two := []auction.Bid{bid("b2", auction.BidStatusSubmitted), bid("b1", auction.BidStatusSubmitted)}
	require.True(t, s.SetBids(two))
	require.False(t, s.SetBids([]auction.Bid{two[1], two[0]}))

	// A field change is a replacement.
	changed := bid("b1", auction.BidStatusSubmitted)
	changed.CurrencySpent = big.NewInt(50)
	require.True(t, s.SetBids([]auction.Bid{changed, bid("b2", auction.BidStatusSubmitted)}))
}

func TestSetBidsHardResetsTracking(t *testing.T) {
	t.Parallel()

	s := newStore()
	s.SetBids([]auction.Bid{bid("b1", auction.BidStatusSubmitted), bid("b2", auction.BidStatusSubmitted)})

	h := common.HexToHash("0xaa")
	s.TrackWithdrawal(h, "b1")
	s.TrackWithdrawal(common.HexToHash("0xbb"), "b2")

	// b1 disappears from the backend response entirely.
	s.SetBids([]auction.Bid{bid("b2", auction.BidStatusSubmitted)})

	require.NotContains(t, s.PendingWithdrawals(), auction.BidID("b1"))
	require.NotContains(t, s.AwaitingConfirmation(), auction.BidID("b1"))
	require.Contains(t, s.PendingWithdrawals(), auction.BidID("b2"))
	require.Contains(t, s.AwaitingConfirmation(), auction.BidID("b2"))
}

func TestWithdrawalTrackingIndependence(t *testing.T) {
	t.Parallel()

	s := newStore()
	s.SetBids([]auction.Bid{bid("a", auction.BidStatusSubmitted), bid("b", auction.BidStatusSubmitted)})

	ha := common.HexToHash("0x0a")
	hb := common.HexToHash("0x0b")
	s.TrackWithdrawal(ha, "a")
	s.TrackWithdrawal(hb, "b")

	// Ha fails on-chain: all tracking for A cleared.
	s.ClearTrackingForTx(ha)
	// Hb succeeds: B moves from pending to awaiting-confirmation only.
	s.ClearPendingForTx(hb)

	require.Empty(t, s.PendingWithdrawals())
	require.NotContains(t, s.AwaitingConfirmation(), auction.BidID("a"))
	require.Contains(t, s.AwaitingConfirmation(), auction.BidID("b"))
}

func TestClearAwaiting(t *testing.T) {
	t.Parallel()

	s := newStore()
	s.TrackWithdrawal(common.HexToHash("0x01"), "a", "b")
	s.ClearPendingForTx(common.HexToHash("0x01"))

	s.ClearAwaiting("a")
	require.NotContains(t, s.AwaitingConfirmation(), auction.BidID("a"))
	require.Contains(t, s.AwaitingConfirmation(), auction.BidID("b"))
}

func TestOptimisticBid(t *testing.T) {
	t.Parallel()

	s := newStore()
	require.Nil(t, s.OptimisticBid())

	o := auction.OptimisticBid{
		MaxPrice:    big.NewInt(100),
		Budget:      big.NewInt(1000),
		SubmittedAt: time.Now(),
		TxHash:      common.HexToHash("0x01"),
	}
	s.SetOptimisticBid(o)
	got := s.OptimisticBid()
	require.NotNil(t, got)
	require.Zero(t, got.MaxPrice.Cmp(o.MaxPrice))

	merged := s.MergedBids("a1", common.HexToAddress("0x01"))
	require.Len(t, merged, 1)
	require.Empty(t, merged[0].ID)

	s.ClearOptimisticBid()
	require.Nil(t, s.OptimisticBid())
	require.Empty(t, s.MergedBids("a1", common.HexToAddress("0x01")))
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	s := newStore()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.SetBids([]auction.Bid{bid("b1", auction.BidStatusSubmitted)})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification after state change")
	}

	// Notifications coalesce rather than block.
	s.SetOptimisticBid(auction.OptimisticBid{MaxPrice: big.NewInt(1), Budget: big.NewInt(1)})
	s.ClearOptimisticBid()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification after multiple changes")
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()

	s := newStore()
	s.SetBids([]auction.Bid{bid("b1", auction.BidStatusSubmitted)})

	exited := bid("b1", auction.BidStatusExited)
	s.SetBids([]auction.Bid{exited})

	// A non-status change isn't journaled.
	filled := bid("b1", auction.BidStatusExited)
	filled.CurrencySpent = big.NewInt(10)
	s.SetBids([]auction.Bid{filled})

	list, err := s.History(0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	// Newest first.
	require.Equal(t, auction.BidStatusExited, list[0].Status)
	require.Equal(t, auction.BidStatusSubmitted, list[1].Status)
	require.Equal(t, auction.BidID("b1"), list[0].BidID)
}

func TestSubmissionError(t *testing.T) {
	t.Parallel()

	s := newStore()
	require.NoError(t, s.SubmissionError())
	s.SetSubmissionError(errTest)
	require.ErrorIs(t, s.SubmissionError(), errTest)
	s.SetSubmissionError(nil)
	require.NoError(t, s.SubmissionError())
}

var errTest = errString("test error")

type errString string

func (e errString) Error() string { return string(e) }
