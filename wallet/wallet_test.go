package wallet

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"github.com/toucanlabs/auction-client/auction"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeEth struct {
	lk      sync.Mutex
	balance *big.Int
	baseFee *big.Int
	sent    []*types.Transaction
	erc20   []byte
}

func (f *fakeEth) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeEth) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (f *fakeEth) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: f.baseFee}, nil
}

func (f *fakeEth) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeEth) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEth) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeEth) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.erc20, nil
}

func TestAddressDerivation(t *testing.T) {
	t.Parallel()

	w, err := NewLocal(&fakeEth{}, testKeyHex, 8453, common.Address{})
	require.NoError(t, err)

	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), w.Address())

	// The 0x prefix is accepted too.
	w2, err := NewLocal(&fakeEth{}, "0x"+testKeyHex, 8453, common.Address{})
	require.NoError(t, err)
	require.Equal(t, w.Address(), w2.Address())

	_, err = NewLocal(&fakeEth{}, "zz", 8453, common.Address{})
	require.Error(t, err)
}

func TestNativeBalance(t *testing.T) {
	t.Parallel()

	eth := &fakeEth{balance: big.NewInt(12345)}
	w, err := NewLocal(eth, testKeyHex, 8453, common.Address{})
	require.NoError(t, err)

	bal, err := w.Balance(context.Background())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(12345), bal)
}

func TestERC20Balance(t *testing.T) {
	t.Parallel()

	ret := make([]byte, 32)
	ret[31] = 0x64 // 100
	eth := &fakeEth{erc20: ret}
	w, err := NewLocal(eth, testKeyHex, 8453, common.HexToAddress("0x99"))
	require.NoError(t, err)

	bal, err := w.Balance(context.Background())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), bal)
}

func TestSignAndSend(t *testing.T) {
	t.Parallel()

	eth := &fakeEth{baseFee: big.NewInt(10)}
	w, err := NewLocal(eth, testKeyHex, 8453, common.Address{})
	require.NoError(t, err)

	to := common.HexToAddress("0x42")
	hash, err := w.SignAndSend(context.Background(), auction.TxRequest{
		To:      to,
		Data:    []byte{0x01},
		Value:   big.NewInt(5000),
		ChainID: 8453,
	})
	require.NoError(t, err)
	require.NotEqual(t, common.Hash{}, hash)

	eth.lk.Lock()
	defer eth.lk.Unlock()
	require.Len(t, eth.sent, 1)
	tx := eth.sent[0]
	require.Equal(t, hash, tx.Hash())
	require.Equal(t, to, *tx.To())
	require.Equal(t, big.NewInt(5000), tx.Value())
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, big.NewInt(2), tx.GasTipCap())
	// tip + 2*baseFee
	require.Equal(t, big.NewInt(22), tx.GasFeeCap())

	signer := types.LatestSignerForChainID(big.NewInt(8453))
	from, err := types.Sender(signer, tx)
	require.NoError(t, err)
	require.Equal(t, w.Address(), from)
}

func TestSignAndSendChainMismatch(t *testing.T) {
	t.Parallel()

	w, err := NewLocal(&fakeEth{}, testKeyHex, 8453, common.Address{})
	require.NoError(t, err)

	_, err = w.SignAndSend(context.Background(), auction.TxRequest{
		To:      common.HexToAddress("0x42"),
		Data:    []byte{0x01},
		ChainID: 1,
	})
	require.Error(t, err)
	require.Empty(t, (&fakeEth{}).sent)
}
