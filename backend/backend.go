// Package backend implements the auction backend contracts over
// JSON/HTTP: bid queries against the indexer and calldata preparation
// for submit/exit/claim transactions.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	golog "github.com/ipfs/go-log/v2"
	"github.com/toucanlabs/auction-client/auction"
)

var log = golog.Logger("bidderd/backend")

const defaultRequestTimeout = time.Second * 15

// maxResponseBytes bounds a single backend response body.
const maxResponseBytes = 8 << 20

// Client is an auction backend client.
type Client struct {
	baseURL string
	hc      *http.Client
}

var _ auction.Backend = (*Client)(nil)

// New returns a new backend client for baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: defaultRequestTimeout},
	}
}

type bidJSON struct {
	BidID            string `json:"bidId"`
	AuctionID        string `json:"auctionId"`
	WalletAddress    string `json:"walletAddress"`
	MaxPrice         string `json:"maxPrice"`
	BaseTokenInitial string `json:"baseTokenInitial"`
	CurrencySpent    string `json:"currencySpent"`
	Amount           string `json:"amount"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"createdAt"`
}

type getBidsRequest struct {
	WalletAddress          string `json:"walletAddress"`
	AuctionContractAddress string `json:"auctionContractAddress"`
	ChainID                uint64 `json:"chainId"`
}

type getBidsResponse struct {
	Bids []bidJSON `json:"bids"`
}

// GetBidsByWallet returns every bid of wallet in the auction.
// Structurally invalid entries are skipped with a warning so one bad
// row can't poison the whole list.
func (c *Client) GetBidsByWallet(
	ctx context.Context,
	wallet common.Address,
	auctionContract common.Address,
	chainID uint64,
) ([]auction.Bid, error) {
	req := getBidsRequest{
		WalletAddress:          wallet.Hex(),
		AuctionContractAddress: auctionContract.Hex(),
		ChainID:                chainID,
	}
	var res getBidsResponse
	if err := c.post(ctx, "/v1/bids/query", req, &res); err != nil {
		return nil, fmt.Errorf("querying bids: %v", err)
	}

	bids := make([]auction.Bid, 0, len(res.Bids))
	for _, bj := range res.Bids {
		b, err := bj.toBid()
		if err != nil {
			log.Warnf("skipping malformed bid entry %s: %v", bj.BidID, err)
			continue
		}
		bids = append(bids, b)
	}
	return bids, nil
}

func (bj bidJSON) toBid() (auction.Bid, error) {
	if bj.BidID == "" {
		return auction.Bid{}, fmt.Errorf("empty bid id")
	}
	maxPrice, ok := new(big.Int).SetString(bj.MaxPrice, 10)
	if !ok || maxPrice.Sign() < 0 {
		return auction.Bid{}, fmt.Errorf("invalid max price %q", bj.MaxPrice)
	}
	initial, ok := new(big.Int).SetString(bj.BaseTokenInitial, 10)
	if !ok || initial.Sign() < 0 {
		return auction.Bid{}, fmt.Errorf("invalid base token initial %q", bj.BaseTokenInitial)
	}
	spent, ok := new(big.Int).SetString(bj.CurrencySpent, 10)
	if !ok || spent.Sign() < 0 {
		return auction.Bid{}, fmt.Errorf("invalid currency spent %q", bj.CurrencySpent)
	}
	amount, ok := new(big.Int).SetString(bj.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return auction.Bid{}, fmt.Errorf("invalid amount %q", bj.Amount)
	}
	status := auction.BidStatusFromString(bj.Status)
	if status == auction.BidStatusUnspecified {
		return auction.Bid{}, fmt.Errorf("unknown status %q", bj.Status)
	}
	return auction.Bid{
		ID:               auction.BidID(bj.BidID),
		AuctionID:        auction.AuctionID(bj.AuctionID),
		Wallet:           common.HexToAddress(bj.WalletAddress),
		MaxPrice:         maxPrice,
		BaseTokenInitial: initial,
		CurrencySpent:    spent,
		Amount:           amount,
		Status:           status,
		CreatedAt:        time.Unix(bj.CreatedAt, 0),
	}, nil
}

type txRequestJSON struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Data    string `json:"data"`
	Value   string `json:"value"`
	ChainID uint64 `json:"chainId"`
}

func (tj txRequestJSON) toTxRequest() (auction.TxRequest, error) {
	if tj.To == "" || tj.Data == "" {
		return auction.TxRequest{}, fmt.Errorf("incomplete calldata payload")
	}
	data, err := hexutil.Decode(tj.Data)
	if err != nil {
		return auction.TxRequest{}, fmt.Errorf("decoding calldata: %v", err)
	}
	value := big.NewInt(0)
	if tj.Value != "" {
		var ok bool
		value, ok = new(big.Int).SetString(tj.Value, 10)
		if !ok || value.Sign() < 0 {
			return auction.TxRequest{}, fmt.Errorf("invalid value %q", tj.Value)
		}
	}
	return auction.TxRequest{
		To:      common.HexToAddress(tj.To),
		From:    common.HexToAddress(tj.From),
		Data:    data,
		Value:   value,
		ChainID: tj.ChainID,
	}, nil
}

type submitBidRequest struct {
	MaxPrice               string `json:"maxPrice"`
	Amount                 string `json:"amount"`
	WalletAddress          string `json:"walletAddress"`
	AuctionContractAddress string `json:"auctionContractAddress"`
	ChainID                uint64 `json:"chainId"`
}

type submitBidResponse struct {
	Bid       txRequestJSON `json:"bid"`
	RequestID string        `json:"requestId"`
}

// SubmitBid builds calldata for a new bid at maxPrice with the given
// raw budget.
func (c *Client) SubmitBid(
	ctx context.Context,
	maxPrice *big.Int,
	amount *big.Int,
	wallet, auctionContract common.Address,
	chainID uint64,
) (auction.TxRequest, string, error) {
	req := submitBidRequest{
		MaxPrice:               maxPrice.String(),
		Amount:                 amount.String(),
		WalletAddress:          wallet.Hex(),
		AuctionContractAddress: auctionContract.Hex(),
		ChainID:                chainID,
	}
	var res submitBidResponse
	if err := c.post(ctx, "/v1/bids/submit", req, &res); err != nil {
		return auction.TxRequest{}, "", fmt.Errorf("preparing bid: %v", err)
	}
	txr, err := res.Bid.toTxRequest()
	if err != nil {
		return auction.TxRequest{}, "", fmt.Errorf("invalid prepared bid: %v", err)
	}
	if txr.From == (common.Address{}) {
		txr.From = wallet
	}
	if txr.ChainID == 0 {
		txr.ChainID = chainID
	}
	return txr, res.RequestID, nil
}

type exitBidRequest struct {
	BidID                  string `json:"bidId"`
	AuctionContractAddress string `json:"auctionContractAddress"`
	ChainID                uint64 `json:"chainId"`
	WalletAddress          string `json:"walletAddress"`
}

type exitBidResponse struct {
	ExitBid   txRequestJSON `json:"exitBid"`
	RequestID string        `json:"requestId"`
}

// ExitBidPosition builds calldata exiting a single bid. This is the
// simpler contract call available within the pre-claim window.
func (c *Client) ExitBidPosition(
	ctx context.Context,
	id auction.BidID,
	auctionContract common.Address,
	chainID uint64,
	wallet common.Address,
) (auction.TxRequest, string, error) {
	req := exitBidRequest{
		BidID:                  string(id),
		AuctionContractAddress: auctionContract.Hex(),
		ChainID:                chainID,
		WalletAddress:          wallet.Hex(),
	}
	var res exitBidResponse
	if err := c.post(ctx, "/v1/bids/exit", req, &res); err != nil {
		return auction.TxRequest{}, "", fmt.Errorf("preparing exit: %v", err)
	}
	txr, err := res.ExitBid.toTxRequest()
	if err != nil {
		return auction.TxRequest{}, "", fmt.Errorf("invalid prepared exit: %v", err)
	}
	return txr, res.RequestID, nil
}

type exitTargetJSON struct {
	BidID    string `json:"bidId"`
	IsExited bool   `json:"isExited"`
}

type exitAndClaimRequest struct {
	Bids                   []exitTargetJSON `json:"bids"`
	AuctionContractAddress string           `json:"auctionContractAddress"`
	ChainID                uint64           `json:"chainId"`
	WalletAddress          string           `json:"walletAddress"`
}

type exitAndClaimResponse struct {
	ExitBidAndClaimTokens txRequestJSON `json:"exitBidAndClaimTokens"`
	RequestID             string        `json:"requestId"`
}

// ExitBidAndClaimTokens builds calldata exiting and claiming a batch
// of bids in one transaction.
func (c *Client) ExitBidAndClaimTokens(
	ctx context.Context,
	bids []auction.ExitTarget,
	auctionContract common.Address,
	chainID uint64,
	wallet common.Address,
) (auction.TxRequest, string, error) {
	targets := make([]exitTargetJSON, len(bids))
	for i, b := range bids {
		targets[i] = exitTargetJSON{BidID: string(b.ID), IsExited: b.IsExited}
	}
	req := exitAndClaimRequest{
		Bids:                   targets,
		AuctionContractAddress: auctionContract.Hex(),
		ChainID:                chainID,
		WalletAddress:          wallet.Hex(),
	}
	var res exitAndClaimResponse
	if err := c.post(ctx, "/v1/bids/exit-and-claim", req, &res); err != nil {
		return auction.TxRequest{}, "", fmt.Errorf("preparing exit-and-claim: %v", err)
	}
	txr, err := res.ExitBidAndClaimTokens.toTxRequest()
	if err != nil {
		return auction.TxRequest{}, "", fmt.Errorf("invalid prepared exit-and-claim: %v", err)
	}
	return txr, res.RequestID, nil
}

type checkpointRequest struct {
	AuctionContractAddress string `json:"auctionContractAddress"`
	ChainID                uint64 `json:"chainId"`
}

type checkpointResponse struct {
	ClearingPrice  string `json:"clearingPrice"`
	CurrencyRaised string `json:"currencyRaised"`
}

// SimulatedCheckpoint returns the backend-simulated auction checkpoint.
func (c *Client) SimulatedCheckpoint(
	ctx context.Context,
	auctionContract common.Address,
	chainID uint64,
) (*auction.Checkpoint, error) {
	req := checkpointRequest{
		AuctionContractAddress: auctionContract.Hex(),
		ChainID:                chainID,
	}
	var res checkpointResponse
	if err := c.post(ctx, "/v1/checkpoint/simulated", req, &res); err != nil {
		return nil, fmt.Errorf("querying simulated checkpoint: %v", err)
	}
	clearing, ok := new(big.Int).SetString(res.ClearingPrice, 10)
	if !ok || clearing.Sign() < 0 {
		return nil, fmt.Errorf("invalid clearing price %q", res.ClearingPrice)
	}
	raised, ok := new(big.Int).SetString(res.CurrencyRaised, 10)
	if !ok || raised.Sign() < 0 {
		return nil, fmt.Errorf("invalid currency raised %q", res.CurrencyRaised)
	}
	return &auction.Checkpoint{
		ClearingPrice:  clearing,
		CurrencyRaised: raised,
		Source:         auction.CheckpointSimulated,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, req, res interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %v", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %v", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	// Request-response only; the channel isn't exactly-once, so tag
	// every call for backend-side correlation.
	hreq.Header.Set("X-Request-Id", uuid.NewString())

	hres, err := c.hc.Do(hreq)
	if err != nil {
		return fmt.Errorf("calling %s: %v", path, err)
	}
	defer func() {
		if err := hres.Body.Close(); err != nil {
			log.Errorf("closing response body: %v", err)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(hres.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %v", err)
	}
	if hres.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d: %s", path, hres.StatusCode, data)
	}
	if err := json.Unmarshal(data, res); err != nil {
		return fmt.Errorf("unmarshaling response: %v", err)
	}
	return nil
}
