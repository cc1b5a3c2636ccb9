package clearing

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/toucanlabs/auction-client/auction"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	onchain := &auction.Checkpoint{
		ClearingPrice:  big.NewInt(500),
		CurrencyRaised: big.NewInt(9000),
		Source:         auction.CheckpointOnChain,
	}
	simulated := &auction.Checkpoint{
		ClearingPrice:  big.NewInt(700),
		CurrencyRaised: big.NewInt(9500),
		Source:         auction.CheckpointSimulated,
	}

	t.Run("in progress uses onchain", func(t *testing.T) {
		t.Parallel()
		got := Resolve(auction.PhaseInProgress, onchain, simulated)
		require.Zero(t, got.Cmp(big.NewInt(500)))
	})

	t.Run("ended uses simulated", func(t *testing.T) {
		t.Parallel()
		got := Resolve(auction.PhaseEnded, onchain, simulated)
		require.Zero(t, got.Cmp(big.NewInt(700)))
	})

	t.Run("not started uses simulated", func(t *testing.T) {
		t.Parallel()
		got := Resolve(auction.PhaseNotStarted, onchain, simulated)
		require.Zero(t, got.Cmp(big.NewInt(700)))
	})

	t.Run("no silent fallback between sources", func(t *testing.T) {
		t.Parallel()
		// The authoritative source being absent yields the sentinel,
		// not the other source's value.
		require.Zero(t, Resolve(auction.PhaseInProgress, nil, simulated).Sign())
		require.Zero(t, Resolve(auction.PhaseEnded, onchain, nil).Sign())
	})
}

func TestPick(t *testing.T) {
	t.Parallel()

	onchain := &auction.Checkpoint{ClearingPrice: big.NewInt(1), Source: auction.CheckpointOnChain}
	simulated := &auction.Checkpoint{ClearingPrice: big.NewInt(2), Source: auction.CheckpointSimulated}

	require.Equal(t, auction.CheckpointOnChain, Pick(auction.PhaseInProgress, onchain, simulated).Source)
	require.Equal(t, auction.CheckpointSimulated, Pick(auction.PhaseEnded, onchain, simulated).Source)
	require.Nil(t, Pick(auction.PhaseInProgress, nil, simulated))
}
