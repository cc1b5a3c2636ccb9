// Package chain provides read access to the auction contract and
// finalization watching for broadcast transactions, over an Ethereum
// JSON-RPC endpoint.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	golog "github.com/ipfs/go-log/v2"
	"github.com/toucanlabs/auction-client/auction"
)

var log = golog.Logger("bidderd/chain")

// checkpointABI is the fragment of the auction contract read by this
// client: the live checkpoint view function.
const checkpointABI = `[{"name":"checkpoint","type":"function","stateMutability":"view","inputs":[],` +
	`"outputs":[{"name":"clearingPrice","type":"uint256"},{"name":"currencyRaised","type":"uint256"}]}]`

// EthBackend is the subset of the Ethereum client this package needs.
type EthBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client reads auction contract state and watches transactions.
type Client struct {
	eth    EthBackend
	parsed abi.ABI
	config config
}

var _ auction.TxWatcher = (*Client)(nil)

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(url string, opts ...Option) (*Client, error) {
	eth, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing eth endpoint: %v", err)
	}
	return New(eth, opts...)
}

// New returns a client over an existing backend.
func New(eth EthBackend, opts ...Option) (*Client, error) {
	cfg := defaultConfig
	for _, op := range opts {
		if err := op(&cfg); err != nil {
			return nil, fmt.Errorf("applying option: %s", err)
		}
	}
	parsed, err := abi.JSON(strings.NewReader(checkpointABI))
	if err != nil {
		return nil, fmt.Errorf("parsing checkpoint abi: %v", err)
	}
	return &Client{eth: eth, parsed: parsed, config: cfg}, nil
}

// Checkpoint reads the live checkpoint from the auction contract.
func (c *Client) Checkpoint(ctx context.Context, auctionContract common.Address) (*auction.Checkpoint, error) {
	data, err := c.parsed.Pack("checkpoint")
	if err != nil {
		return nil, fmt.Errorf("packing call: %v", err)
	}
	ret, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &auctionContract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling checkpoint: %v", err)
	}
	vals, err := c.parsed.Unpack("checkpoint", ret)
	if err != nil {
		return nil, fmt.Errorf("unpacking checkpoint: %v", err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("unexpected checkpoint arity %d", len(vals))
	}
	clearing, ok := vals[0].(*big.Int)
	if !ok {
		return nil, errors.New("clearing price isn't uint256")
	}
	raised, ok := vals[1].(*big.Int)
	if !ok {
		return nil, errors.New("currency raised isn't uint256")
	}
	return &auction.Checkpoint{
		ClearingPrice:  clearing,
		CurrencyRaised: raised,
		Source:         auction.CheckpointOnChain,
	}, nil
}

// CurrentBlock returns the current chain height.
func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	h, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("getting block number: %v", err)
	}
	return h, nil
}

// WaitFinalized blocks until txHash is mined and buried under the
// configured confirmation depth, returning its terminal status.
func (c *Client) WaitFinalized(ctx context.Context, txHash common.Hash) (auction.TxStatus, error) {
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		switch {
		case errors.Is(err, ethereum.NotFound):
			// Not mined yet.
		case err != nil:
			log.Warnf("getting receipt for %s: %v", txHash, err)
		case receipt != nil:
			confirmed, err := c.isConfirmed(ctx, receipt)
			if err != nil {
				log.Warnf("checking confirmation depth for %s: %v", txHash, err)
			} else if confirmed {
				if receipt.Status == types.ReceiptStatusSuccessful {
					return auction.TxStatusSuccess, nil
				}
				return auction.TxStatusFailed, nil
			}
		}

		select {
		case <-ctx.Done():
			return auction.TxStatusPending, ctx.Err()
		case <-time.After(c.config.receiptPollFreq):
		}
	}
}

func (c *Client) isConfirmed(ctx context.Context, receipt *types.Receipt) (bool, error) {
	if c.config.confirmations <= 1 {
		return true, nil
	}
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	return head >= receipt.BlockNumber.Uint64()+c.config.confirmations-1, nil
}
