// Package wallet implements the wallet boundary for the bid engine: a
// local key-backed signer that turns validated transaction requests
// into broadcast transactions and reports bid-token balances.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	golog "github.com/ipfs/go-log/v2"
	"github.com/toucanlabs/auction-client/auction"
)

var log = golog.Logger("bidderd/wallet")

const balanceOfABI = `[{"name":"balanceOf","type":"function","stateMutability":"view",` +
	`"inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}]`

// EthBackend is the subset of the Ethereum client this package needs.
type EthBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Local is a wallet backed by a local private key. The bid-token
// balance is read from the configured currency contract, or the native
// balance when no currency address is set.
type Local struct {
	eth      EthBackend
	key      *ecdsa.PrivateKey
	addr     common.Address
	chainID  *big.Int
	currency common.Address // zero address means native currency
	erc20    abi.ABI
}

var _ auction.Wallet = (*Local)(nil)

// NewLocal returns a wallet for the hex-encoded private key.
func NewLocal(eth EthBackend, privateKeyHex string, chainID uint64, currency common.Address) (*Local, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %v", err)
	}
	erc20, err := abi.JSON(strings.NewReader(balanceOfABI))
	if err != nil {
		return nil, fmt.Errorf("parsing erc20 abi: %v", err)
	}
	return &Local{
		eth:      eth,
		key:      key,
		addr:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  new(big.Int).SetUint64(chainID),
		currency: currency,
		erc20:    erc20,
	}, nil
}

// DialLocal connects to an Ethereum JSON-RPC endpoint and returns a
// wallet over it.
func DialLocal(url, privateKeyHex string, chainID uint64, currency common.Address) (*Local, error) {
	eth, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing eth endpoint: %v", err)
	}
	return NewLocal(eth, privateKeyHex, chainID, currency)
}

// Address returns the wallet address.
func (w *Local) Address() common.Address {
	return w.addr
}

// Balance returns the raw bid-token balance available for budgets.
func (w *Local) Balance(ctx context.Context) (*big.Int, error) {
	if w.currency == (common.Address{}) {
		bal, err := w.eth.BalanceAt(ctx, w.addr, nil)
		if err != nil {
			return nil, fmt.Errorf("getting native balance: %v", err)
		}
		return bal, nil
	}
	data, err := w.erc20.Pack("balanceOf", w.addr)
	if err != nil {
		return nil, fmt.Errorf("packing balanceOf: %v", err)
	}
	ret, err := w.eth.CallContract(ctx, ethereum.CallMsg{To: &w.currency, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling balanceOf: %v", err)
	}
	vals, err := w.erc20.Unpack("balanceOf", ret)
	if err != nil {
		return nil, fmt.Errorf("unpacking balanceOf: %v", err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balance isn't uint256")
	}
	return bal, nil
}

// SignAndSend signs the request and broadcasts it, returning the
// transaction hash on acceptance.
func (w *Local) SignAndSend(ctx context.Context, req auction.TxRequest) (common.Hash, error) {
	if req.ChainID != 0 && w.chainID.Uint64() != req.ChainID {
		return common.Hash{}, fmt.Errorf("request chain id %d doesn't match wallet chain id %d", req.ChainID, w.chainID)
	}

	nonce, err := w.eth.PendingNonceAt(ctx, w.addr)
	if err != nil {
		return common.Hash{}, fmt.Errorf("getting nonce: %v", err)
	}
	tip, err := w.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("getting gas tip: %v", err)
	}
	head, err := w.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("getting head: %v", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	gas, err := w.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.addr,
		To:    &req.To,
		Value: value,
		Data:  req.Data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimating gas: %v", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   w.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &req.To,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing tx: %v", err)
	}
	if err := w.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("broadcasting tx: %v", err)
	}

	log.Debugf("broadcast tx %s (nonce %d, gas %d)", signed.Hash(), nonce, gas)
	return signed.Hash(), nil
}
