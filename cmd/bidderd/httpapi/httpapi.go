package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	golog "github.com/ipfs/go-log/v2"
	"github.com/toucanlabs/auction-client/auction"
	"github.com/toucanlabs/auction-client/cmd/bidderd/service/store"
	"github.com/toucanlabs/auction-client/cmd/bidderd/submitter"
)

var (
	log = golog.Logger("bidderd/api")
)

const defaultHistoryLimit = 50

// Service provides scoped access to the bidderd service.
type Service interface {
	Bids() []auction.Bid
	OptimisticBid() *auction.OptimisticBid
	PendingWithdrawals() map[auction.BidID]common.Hash
	AwaitingConfirmation() map[auction.BidID]struct{}
	Phase() auction.Phase
	Checkpoint() *auction.Checkpoint
	ClearingPrice() *big.Int
	SubmissionError() error
	History(limit int) ([]store.HistoryEntry, error)
	PlaceBid(ctx context.Context, budget, maxPrice *big.Int) (common.Hash, error)
	Withdraw(ctx context.Context, claimWindowOpen bool) (common.Hash, error)
}

// NewServer returns a new http server for bidderd commands.
func NewServer(listenAddr string, service Service) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: createMux(service),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("stopping http server: %s", err)
		}
	}()

	log.Infof("http server started at %s", listenAddr)
	return httpServer, nil
}

func createMux(service Service) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", getOnly(healthHandler))
	mux.HandleFunc("/bids", bidsHandler(service))
	mux.HandleFunc("/bids/exit", postOnly(exitHandler(service)))
	mux.HandleFunc("/optimistic", getOnly(optimisticHandler(service)))
	mux.HandleFunc("/withdrawals", getOnly(withdrawalsHandler(service)))
	mux.HandleFunc("/clearing-price", getOnly(clearingPriceHandler(service)))
	mux.HandleFunc("/history", getOnly(historyHandler(service)))
	mux.HandleFunc("/submission-error", getOnly(submissionErrorHandler(service)))
	return mux
}

func getOnly(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			httpError(w, "only GET method is allowed", http.StatusBadRequest)
			return
		}
		f(w, r)
	}
}

func postOnly(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			httpError(w, "only POST method is allowed", http.StatusBadRequest)
			return
		}
		f(w, r)
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type bidView struct {
	ID               string  `json:"id"`
	AuctionID        string  `json:"auctionId"`
	Wallet           string  `json:"wallet"`
	MaxPrice         string  `json:"maxPrice"`
	BaseTokenInitial string  `json:"baseTokenInitial"`
	CurrencySpent    string  `json:"currencySpent"`
	Amount           string  `json:"amount"`
	Status           string  `json:"status"`
	FillFraction     float64 `json:"fillFraction"`
	CreatedAt        string  `json:"createdAt"`
}

func toBidView(b auction.Bid) bidView {
	return bidView{
		ID:               string(b.ID),
		AuctionID:        string(b.AuctionID),
		Wallet:           b.Wallet.Hex(),
		MaxPrice:         bigString(b.MaxPrice),
		BaseTokenInitial: bigString(b.BaseTokenInitial),
		CurrencySpent:    bigString(b.CurrencySpent),
		Amount:           bigString(b.Amount),
		Status:           b.Status.String(),
		FillFraction:     b.FillFraction(),
		CreatedAt:        b.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

func bigString(i *big.Int) string {
	if i == nil {
		return "0"
	}
	return i.String()
}

func bidsHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "GET":
			bids := service.Bids()
			views := make([]bidView, len(bids))
			for i, b := range bids {
				views[i] = toBidView(b)
			}
			writeJSON(w, views)
		case "POST":
			placeBidHandler(service)(w, r)
		default:
			httpError(w, "only GET and POST methods are allowed", http.StatusBadRequest)
		}
	}
}

func placeBidHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Budget   string `json:"budget"`
			MaxPrice string `json:"maxPrice"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
			return
		}
		budget, ok := new(big.Int).SetString(req.Budget, 10)
		if !ok {
			httpError(w, fmt.Sprintf("invalid budget %q", req.Budget), http.StatusBadRequest)
			return
		}
		maxPrice, ok := new(big.Int).SetString(req.MaxPrice, 10)
		if !ok {
			httpError(w, fmt.Sprintf("invalid max price %q", req.MaxPrice), http.StatusBadRequest)
			return
		}

		txHash, err := service.PlaceBid(r.Context(), budget, maxPrice)
		if isValidationError(err) {
			httpError(w, fmt.Sprintf("placing bid: %s", err), http.StatusBadRequest)
			return
		} else if err != nil {
			httpError(w, fmt.Sprintf("placing bid: %s", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, struct {
			TxHash string `json:"txHash"`
		}{txHash.Hex()})
	}
}

func exitHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ClaimWindowOpen bool `json:"claimWindowOpen"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
			return
		}

		txHash, err := service.Withdraw(r.Context(), req.ClaimWindowOpen)
		if errors.Is(err, submitter.ErrNothingToWithdraw) {
			httpError(w, fmt.Sprintf("withdrawing: %s", err), http.StatusBadRequest)
			return
		} else if err != nil {
			httpError(w, fmt.Sprintf("withdrawing: %s", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, struct {
			TxHash string `json:"txHash"`
		}{txHash.Hex()})
	}
}

func isValidationError(err error) bool {
	return errors.Is(err, submitter.ErrZeroBudget) ||
		errors.Is(err, submitter.ErrInsufficientBalance) ||
		errors.Is(err, submitter.ErrPriceBelowMinimum) ||
		errors.Is(err, submitter.ErrUnusableGrid)
}

func optimisticHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o := service.OptimisticBid()
		if o == nil {
			writeJSON(w, nil)
			return
		}
		writeJSON(w, struct {
			MaxPrice    string `json:"maxPrice"`
			Budget      string `json:"budget"`
			SubmittedAt string `json:"submittedAt"`
			TxHash      string `json:"txHash"`
		}{
			bigString(o.MaxPrice),
			bigString(o.Budget),
			o.SubmittedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			o.TxHash.Hex(),
		})
	}
}

func withdrawalsHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending := service.PendingWithdrawals()
		awaiting := service.AwaitingConfirmation()

		type entry struct {
			BidID  string `json:"bidId"`
			TxHash string `json:"txHash,omitempty"`
			State  string `json:"state"`
		}
		entries := make([]entry, 0, len(pending)+len(awaiting))
		for id, h := range pending {
			entries = append(entries, entry{string(id), h.Hex(), "pending"})
		}
		for id := range awaiting {
			if _, ok := pending[id]; ok {
				continue
			}
			entries = append(entries, entry{BidID: string(id), State: "awaiting_confirmation"})
		}
		writeJSON(w, entries)
	}
}

func clearingPriceHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Phase          string `json:"phase"`
			ClearingPrice  string `json:"clearingPrice"`
			Source         string `json:"source,omitempty"`
			CurrencyRaised string `json:"currencyRaised,omitempty"`
		}{
			Phase:         service.Phase().String(),
			ClearingPrice: bigString(service.ClearingPrice()),
		}
		if cp := service.Checkpoint(); cp != nil {
			resp.Source = cp.Source.String()
			resp.CurrencyRaised = bigString(cp.CurrencyRaised)
		}
		writeJSON(w, resp)
	}
}

func historyHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, fmt.Sprintf("invalid limit %q", v), http.StatusBadRequest)
				return
			}
			limit = n
		}
		entries, err := service.History(limit)
		if err != nil {
			httpError(w, fmt.Sprintf("listing history: %s", err), http.StatusInternalServerError)
			return
		}

		type entryView struct {
			ID        string `json:"id"`
			BidID     string `json:"bidId"`
			Status    string `json:"status"`
			MaxPrice  string `json:"maxPrice"`
			Amount    string `json:"amount"`
			Spent     string `json:"spent"`
			Timestamp string `json:"timestamp"`
		}
		views := make([]entryView, len(entries))
		for i, e := range entries {
			views[i] = entryView{
				ID:        e.ID,
				BidID:     string(e.BidID),
				Status:    e.Status.String(),
				MaxPrice:  e.MaxPrice,
				Amount:    e.Amount,
				Spent:     e.Spent,
				Timestamp: e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			}
		}
		writeJSON(w, views)
	}
}

func submissionErrorHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Error string `json:"error,omitempty"`
		}{}
		if err := service.SubmissionError(); err != nil {
			resp.Error = err.Error()
		}
		writeJSON(w, resp)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		httpError(w, fmt.Sprintf("json encoding: %s", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		log.Errorf("write failed: %v", err)
	}
}

func httpError(w http.ResponseWriter, err string, status int) {
	log.Debugf("request error: %s", err)
	http.Error(w, err, status)
}
