package auction

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const invalidStatus = "invalid"

// AuctionID is the unique identifier of a token auction.
type AuctionID string

// BidID is the backend-assigned identifier of a confirmed bid.
// It doesn't exist before the backend indexes the submission.
type BidID string

// Bid is a bid in a continuous clearing-price token auction, as
// reported by the backend ledger.
type Bid struct {
	ID               BidID
	AuctionID        AuctionID
	Wallet           common.Address
	MaxPrice         *big.Int // Q96
	BaseTokenInitial *big.Int // raw budget committed
	CurrencySpent    *big.Int // raw budget consumed so far
	Amount           *big.Int // raw auction tokens received so far
	Status           BidStatus
	CreatedAt        time.Time
}

// FillFraction returns the fraction of the committed budget consumed
// so far, clamped to [0, 1]. A zero or absent budget yields 0.
func (b Bid) FillFraction() float64 {
	if b.BaseTokenInitial == nil || b.BaseTokenInitial.Sign() == 0 {
		return 0
	}
	if b.CurrencySpent == nil || b.CurrencySpent.Sign() <= 0 {
		return 0
	}
	spent := new(big.Float).SetInt(b.CurrencySpent)
	initial := new(big.Float).SetInt(b.BaseTokenInitial)
	f, _ := new(big.Float).Quo(spent, initial).Float64()
	if f > 1 {
		return 1
	}
	return f
}

// IsComplete reports whether the bid consumed its whole budget.
func (b Bid) IsComplete() bool {
	return b.FillFraction() >= 1
}

// InRange reports whether the bid would receive tokens at the given
// clearing price. Both prices must be Q96 with the same token-decimals
// convention.
func (b Bid) InRange(clearingPrice *big.Int) bool {
	if b.MaxPrice == nil || clearingPrice == nil {
		return false
	}
	return b.MaxPrice.Cmp(clearingPrice) >= 0
}

// Equal reports whether two bids carry the same ledger state.
func (b Bid) Equal(o Bid) bool {
	return b.ID == o.ID &&
		b.AuctionID == o.AuctionID &&
		b.Wallet == o.Wallet &&
		bigEqual(b.MaxPrice, o.MaxPrice) &&
		bigEqual(b.BaseTokenInitial, o.BaseTokenInitial) &&
		bigEqual(b.CurrencySpent, o.CurrencySpent) &&
		bigEqual(b.Amount, o.Amount) &&
		b.Status == o.Status &&
		b.CreatedAt.Equal(o.CreatedAt)
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}

// BidStatus is the backend-reported status of a Bid.
type BidStatus int

const (
	// BidStatusUnspecified indicates an unknown or invalid status.
	BidStatusUnspecified BidStatus = iota
	// BidStatusSubmitted indicates the bid is live in the auction.
	BidStatusSubmitted
	// BidStatusExited indicates the bidder exited the position.
	BidStatusExited
	// BidStatusClaimed indicates the bidder claimed the auction tokens.
	// Only reachable once the auction graduated.
	BidStatusClaimed
)

// String returns a string-encoded status.
func (s BidStatus) String() string {
	switch s {
	case BidStatusUnspecified:
		return "unspecified"
	case BidStatusSubmitted:
		return "submitted"
	case BidStatusExited:
		return "exited"
	case BidStatusClaimed:
		return "claimed"
	default:
		return invalidStatus
	}
}

// BidStatusFromString converts a backend status string into a BidStatus.
func BidStatusFromString(s string) BidStatus {
	switch s {
	case "submitted":
		return BidStatusSubmitted
	case "exited":
		return BidStatusExited
	case "claimed":
		return BidStatusClaimed
	default:
		return BidStatusUnspecified
	}
}

// OptimisticBid is a locally synthesized bid recorded the instant a
// submission transaction is accepted by the wallet, before the backend
// has assigned a BidID.
type OptimisticBid struct {
	MaxPrice         *big.Int // Q96
	Budget           *big.Int // raw
	BidTokenDecimals uint8
	SubmittedAt      time.Time
	TxHash           common.Hash
}

// AsBid renders the optimistic bid as a placeholder Bid for merged
// display. The returned bid has no ID.
func (o OptimisticBid) AsBid(auctionID AuctionID, wallet common.Address) Bid {
	return Bid{
		AuctionID:        auctionID,
		Wallet:           wallet,
		MaxPrice:         o.MaxPrice,
		BaseTokenInitial: o.Budget,
		CurrencySpent:    big.NewInt(0),
		Amount:           big.NewInt(0),
		Status:           BidStatusSubmitted,
		CreatedAt:        o.SubmittedAt,
	}
}

// CheckpointSource tags which system produced a checkpoint. The two
// variants must never be mixed within one derived calculation.
type CheckpointSource int

const (
	// CheckpointOnChain is read from the live auction contract.
	CheckpointOnChain CheckpointSource = iota
	// CheckpointSimulated is computed by the backend simulation.
	CheckpointSimulated
)

// String returns a string-encoded source.
func (s CheckpointSource) String() string {
	switch s {
	case CheckpointOnChain:
		return "onchain"
	case CheckpointSimulated:
		return "simulated"
	default:
		return invalidStatus
	}
}

// Checkpoint is a snapshot of auction totals.
type Checkpoint struct {
	ClearingPrice  *big.Int // Q96
	CurrencyRaised *big.Int // raw
	Source         CheckpointSource
}

// Phase is the auction progress phase.
type Phase int

const (
	// PhaseNotStarted indicates the auction hasn't begun.
	PhaseNotStarted Phase = iota
	// PhaseInProgress indicates the auction is live.
	PhaseInProgress
	// PhaseEnded indicates the auction is over.
	PhaseEnded
)

// String returns a string-encoded phase.
func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseInProgress:
		return "in_progress"
	case PhaseEnded:
		return "ended"
	default:
		return invalidStatus
	}
}

// TxRequest is a fully specified transaction ready for wallet signing.
type TxRequest struct {
	To      common.Address
	From    common.Address
	Data    []byte
	Value   *big.Int
	ChainID uint64
}

// TxStatus is the finalization status of a broadcast transaction.
type TxStatus int

const (
	// TxStatusPending indicates the transaction isn't final yet.
	TxStatusPending TxStatus = iota
	// TxStatusSuccess indicates the transaction finalized successfully.
	TxStatusSuccess
	// TxStatusFailed indicates the transaction finalized with a
	// failure status.
	TxStatusFailed
)

// String returns a string-encoded status.
func (s TxStatus) String() string {
	switch s {
	case TxStatusPending:
		return "pending"
	case TxStatusSuccess:
		return "success"
	case TxStatusFailed:
		return "failed"
	default:
		return invalidStatus
	}
}

// Backend is the auction backend consumed by this client. It indexes
// bids and builds transaction calldata.
type Backend interface {
	// GetBidsByWallet returns every bid of wallet in the auction.
	GetBidsByWallet(ctx context.Context, wallet common.Address, auctionContract common.Address, chainID uint64) ([]Bid, error)

	// SubmitBid builds calldata for a new bid.
	SubmitBid(ctx context.Context, maxPrice *big.Int, amount *big.Int, wallet, auctionContract common.Address, chainID uint64) (TxRequest, string, error)

	// ExitBidPosition builds calldata exiting a single bid. Used
	// within the pre-claim window.
	ExitBidPosition(ctx context.Context, id BidID, auctionContract common.Address, chainID uint64, wallet common.Address) (TxRequest, string, error)

	// ExitBidAndClaimTokens builds calldata exiting and claiming a
	// batch of bids.
	ExitBidAndClaimTokens(ctx context.Context, bids []ExitTarget, auctionContract common.Address, chainID uint64, wallet common.Address) (TxRequest, string, error)

	// SimulatedCheckpoint returns the backend-simulated checkpoint.
	SimulatedCheckpoint(ctx context.Context, auctionContract common.Address, chainID uint64) (*Checkpoint, error)
}

// ExitTarget identifies one bid within a batch exit-and-claim call.
type ExitTarget struct {
	ID       BidID
	IsExited bool
}

// Wallet signs and broadcasts validated transaction requests.
// Signing and broadcast are external collaborators of this engine.
type Wallet interface {
	// Address returns the wallet address.
	Address() common.Address

	// Balance returns the raw bid-token balance available for budgets.
	Balance(ctx context.Context) (*big.Int, error)

	// SignAndSend signs the request and broadcasts it, returning the
	// transaction hash on acceptance.
	SignAndSend(ctx context.Context, req TxRequest) (common.Hash, error)
}

// TxWatcher reports finalization of broadcast transactions.
type TxWatcher interface {
	// WaitFinalized blocks until the transaction finalizes or ctx is
	// done, returning the terminal status.
	WaitFinalized(ctx context.Context, txHash common.Hash) (TxStatus, error)
}
