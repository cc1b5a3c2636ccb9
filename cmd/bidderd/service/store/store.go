package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	golog "github.com/ipfs/go-log/v2"
	"github.com/oklog/ulid/v2"
	"github.com/toucanlabs/auction-client/auction"
)

const (
	// defaultHistoryLimit is the default history page size.
	defaultHistoryLimit = 20
	// maxHistoryLimit is the max history page size.
	maxHistoryLimit = 1000
)

var (
	log = golog.Logger("bidderd/store")

	// dsHistoryPrefix is the prefix for bid history entries.
	// Structure: /bidhistory/<entry_id> -> HistoryEntry.
	dsHistoryPrefix = ds.NewKey("/bidhistory")
)

// Store is the single shared state container of the bid engine: the
// confirmed bid list, the optimistic bid, the two withdrawal tracking
// sets, and the last submission error. All mutations go through named
// operations that recompute from the live state under the lock;
// readers get copies. A datastore-backed journal records every bid
// status change for history queries.
type Store struct {
	history ds.Datastore

	lk         sync.Mutex
	bids       []auction.Bid
	optimistic *auction.OptimisticBid
	pending    map[auction.BidID]common.Hash
	awaiting   map[auction.BidID]struct{}
	subErr     error
	entropy    *ulid.MonotonicEntropy
	subs       map[int]chan struct{}
	nextSub    int
}

// NewStore returns a new Store journaling history to the datastore.
func NewStore(history ds.Datastore) *Store {
	return &Store{
		history:  history,
		pending:  map[auction.BidID]common.Hash{},
		awaiting: map[auction.BidID]struct{}{},
		subs:     map[int]chan struct{}{},
	}
}

// Subscribe returns a channel receiving a coalesced signal after every
// state change, plus a cancel func. Intended for the UI layer.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.lk.Lock()
	defer s.lk.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch
	return ch, func() {
		s.lk.Lock()
		defer s.lk.Unlock()
		delete(s.subs, id)
	}
}

// notify must be called with the lock held.
func (s *Store) notify() {
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Bids returns a copy of the confirmed bid list.
func (s *Store) Bids() []auction.Bid {
	s.lk.Lock()
	defer s.lk.Unlock()
	return append([]auction.Bid(nil), s.bids...)
}

// MergedBids returns the confirmed bids plus the optimistic bid
// rendered as a placeholder row, when one is pending.
func (s *Store) MergedBids(auctionID auction.AuctionID, wallet common.Address) []auction.Bid {
	s.lk.Lock()
	defer s.lk.Unlock()
	merged := append([]auction.Bid(nil), s.bids...)
	if s.optimistic != nil {
		merged = append(merged, s.optimistic.AsBid(auctionID, wallet))
	}
	return merged
}

// SetBids replaces the confirmed bid list if the new set actually
// differs (order-independent), reporting whether a replacement
// happened. Tracking entries owned by bids that disappeared from the
// new list entirely are hard-reset. Status changes are journaled.
func (s *Store) SetBids(bids []auction.Bid) bool {
	s.lk.Lock()
	defer s.lk.Unlock()

	if sameBidSet(s.bids, bids) {
		return false
	}

	prev := make(map[auction.BidID]auction.Bid, len(s.bids))
	for _, b := range s.bids {
		prev[b.ID] = b
	}
	next := make(map[auction.BidID]struct{}, len(bids))
	for _, b := range bids {
		next[b.ID] = struct{}{}
		old, ok := prev[b.ID]
		if !ok || old.Status != b.Status {
			s.journal(b)
		}
	}

	// Hard reset: a bid gone from the backend response loses all
	// withdrawal tracking.
	for id := range s.pending {
		if _, ok := next[id]; !ok {
			delete(s.pending, id)
		}
	}
	for id := range s.awaiting {
		if _, ok := next[id]; !ok {
			delete(s.awaiting, id)
		}
	}

	s.bids = append([]auction.Bid(nil), bids...)
	s.notify()
	return true
}

func sameBidSet(a, b []auction.Bid) bool {
	if len(a) != len(b) {
		return false
	}
	byID := make(map[auction.BidID]auction.Bid, len(a))
	for _, bid := range a {
		byID[bid.ID] = bid
	}
	for _, bid := range b {
		other, ok := byID[bid.ID]
		if !ok || !bid.Equal(other) {
			return false
		}
	}
	return true
}

// OptimisticBid returns the optimistic bid, or nil.
func (s *Store) OptimisticBid() *auction.OptimisticBid {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.optimistic == nil {
		return nil
	}
	o := *s.optimistic
	return &o
}

// SetOptimisticBid records a locally synthesized bid for a just-broadcast
// submission.
func (s *Store) SetOptimisticBid(o auction.OptimisticBid) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.optimistic = &o
	s.notify()
	log.Debugf("recorded optimistic bid at price %s (tx %s)", o.MaxPrice, o.TxHash)
}

// ClearOptimisticBid drops the optimistic bid, if any.
func (s *Store) ClearOptimisticBid() {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.optimistic == nil {
		return
	}
	s.optimistic = nil
	s.notify()
}

// TrackWithdrawal registers a just-broadcast withdrawal transaction
// for the given bids: each becomes pending against the hash and
// awaiting backend confirmation.
func (s *Store) TrackWithdrawal(txHash common.Hash, ids ...auction.BidID) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, id := range ids {
		s.pending[id] = txHash
		s.awaiting[id] = struct{}{}
	}
	s.notify()
	log.Debugf("tracking withdrawal tx %s for %d bid(s)", txHash, len(ids))
}

// PendingWithdrawals returns a copy of the pending withdrawal map.
func (s *Store) PendingWithdrawals() map[auction.BidID]common.Hash {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make(map[auction.BidID]common.Hash, len(s.pending))
	for id, h := range s.pending {
		out[id] = h
	}
	return out
}

// AwaitingConfirmation returns a copy of the awaiting-confirmation set.
func (s *Store) AwaitingConfirmation() map[auction.BidID]struct{} {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make(map[auction.BidID]struct{}, len(s.awaiting))
	for id := range s.awaiting {
		out[id] = struct{}{}
	}
	return out
}

// ClearPendingForTx removes the pending entries of every bid mapped to
// txHash, keeping their awaiting-confirmation entries: the transaction
// finalized but the backend index may still lag.
func (s *Store) ClearPendingForTx(txHash common.Hash) {
	s.lk.Lock()
	defer s.lk.Unlock()
	changed := false
	for id, h := range s.pending {
		if h == txHash {
			delete(s.pending, id)
			changed = true
		}
	}
	if changed {
		s.notify()
	}
}

// ClearTrackingForTx removes all tracking for every bid mapped to
// txHash. Used when the withdrawal transaction failed on-chain.
func (s *Store) ClearTrackingForTx(txHash common.Hash) {
	s.lk.Lock()
	defer s.lk.Unlock()
	changed := false
	for id, h := range s.pending {
		if h == txHash {
			delete(s.pending, id)
			delete(s.awaiting, id)
			changed = true
		}
	}
	if changed {
		s.notify()
	}
}

// ClearAwaiting removes a single bid from the awaiting-confirmation
// set once the backend reflects its terminal status.
func (s *Store) ClearAwaiting(id auction.BidID) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.awaiting[id]; !ok {
		return
	}
	delete(s.awaiting, id)
	s.notify()
}

// SetSubmissionError records the last submission error surfaced to the
// UI; nil clears it.
func (s *Store) SetSubmissionError(err error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.subErr = err
	s.notify()
}

// SubmissionError returns the last submission error, or nil.
func (s *Store) SubmissionError() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.subErr
}

// HistoryEntry is one journaled bid status change.
type HistoryEntry struct {
	ID        string
	BidID     auction.BidID
	Status    auction.BidStatus
	MaxPrice  string // Q96, decimal-encoded
	Amount    string // raw, decimal-encoded
	Spent     string // raw, decimal-encoded
	Timestamp time.Time
}

// journal must be called with the lock held.
func (s *Store) journal(b auction.Bid) {
	id, err := s.newID(time.Now())
	if err != nil {
		log.Errorf("creating history id: %v", err)
		return
	}
	entry := HistoryEntry{
		ID:        id,
		BidID:     b.ID,
		Status:    b.Status,
		MaxPrice:  b.MaxPrice.String(),
		Amount:    b.Amount.String(),
		Spent:     b.CurrencySpent.String(),
		Timestamp: time.Now(),
	}
	val, err := encode(entry)
	if err != nil {
		log.Errorf("encoding history entry: %v", err)
		return
	}
	if err := s.history.Put(context.Background(), dsHistoryPrefix.ChildString(id), val); err != nil {
		log.Errorf("putting history entry: %v", err)
	}
}

// newID returns new monotonically increasing history entry ids.
// Must be called with the lock held.
func (s *Store) newID(t time.Time) (string, error) {
	if s.entropy == nil {
		s.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(t.UTC()), s.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		s.entropy = nil
		return s.newID(t)
	} else if err != nil {
		return "", fmt.Errorf("generating id: %v", err)
	}
	return strings.ToLower(id.String()), nil
}

// History lists journaled status changes, newest first.
func (s *Store) History(limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	} else if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	results, err := s.history.Query(context.Background(), dsq.Query{
		Prefix: dsHistoryPrefix.String(),
		Orders: []dsq.Order{dsq.OrderByKeyDescending{}},
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("querying history: %v", err)
	}
	defer func() { _ = results.Close() }()

	var list []HistoryEntry
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		e, err := decode(res.Value)
		if err != nil {
			return nil, fmt.Errorf("decoding entry: %v", err)
		}
		list = append(list, e)
	}
	return list, nil
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(v []byte) (e HistoryEntry, err error) {
	dec := gob.NewDecoder(bytes.NewReader(v))
	if err := dec.Decode(&e); err != nil {
		return e, err
	}
	return e, nil
}
