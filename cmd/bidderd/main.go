package main

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	badger "github.com/textileio/go-ds-badger3"
	"github.com/toucanlabs/auction-client/auction"
	"github.com/toucanlabs/auction-client/backend"
	"github.com/toucanlabs/auction-client/chain"
	"github.com/toucanlabs/auction-client/cmd/bidderd/httpapi"
	"github.com/toucanlabs/auction-client/cmd/bidderd/reconciler"
	"github.com/toucanlabs/auction-client/cmd/bidderd/service"
	"github.com/toucanlabs/auction-client/cmd/bidderd/submitter"
	"github.com/toucanlabs/auction-client/cmd/common"
	"github.com/toucanlabs/auction-client/wallet"
)

var (
	daemonName = "bidderd"
	log        = logging.Logger(daemonName)
	v          = viper.New()
)

func init() {
	flags := []common.Flag{
		{Name: "http-addr", DefValue: ":8085", Description: "HTTP API listen address"},
		{Name: "metrics-addr", DefValue: ":9090", Description: "Prometheus listen address"},
		{Name: "repo-path", DefValue: "${HOME}/.bidderd", Description: "Repo path for the bid history"},
		{Name: "backend-url", DefValue: "", Description: "Auction backend base URL"},
		{Name: "eth-rpc-url", DefValue: "", Description: "Ethereum JSON-RPC endpoint"},
		{Name: "auction-id", DefValue: "", Description: "Auction identifier"},
		{Name: "auction-address", DefValue: "", Description: "Auction contract address"},
		{Name: "currency-address", DefValue: "", Description: "Bid token contract address; empty for the native token"},
		{Name: "wallet-pk", DefValue: "", Description: "Hex-encoded wallet private key"},
		{Name: "chain-id", DefValue: uint64(0), Description: "Chain id"},
		{Name: "bid-token-decimals", DefValue: 18, Description: "Bid token decimals"},
		{Name: "floor-price", DefValue: "", Description: "Auction floor price (Q96)"},
		{Name: "tick-size", DefValue: "", Description: "Tick size (Q96)"},
		{Name: "start-block", DefValue: uint64(0), Description: "Auction start block"},
		{Name: "end-block", DefValue: uint64(0), Description: "Auction end block"},
		{Name: "poll-freq", DefValue: time.Second * 10, Description: "Reconcile polling frequency"},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level logging"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}

	common.ConfigureCLI(v, "bidder", flags, rootCmd)
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "bidderd tracks and submits bids in a clearing-price token auction",
	Long:  "bidderd tracks and submits bids in a clearing-price token auction",
	PersistentPreRun: func(c *cobra.Command, args []string) {
		common.ExpandEnvVars(v, v.AllSettings())
		err := common.ConfigureLogging(v, nil)
		common.CheckErrf("setting log levels: %v", err)
	},
	Run: func(c *cobra.Command, args []string) {
		settings, err := json.MarshalIndent(maskedSettings(), "", "  ")
		common.CheckErr(err)
		log.Infof("loaded config: %s", string(settings))

		if err := common.SetupInstrumentation(v.GetString("metrics-addr")); err != nil {
			log.Fatalf("booting instrumentation: %s", err)
		}

		chainClient, err := chain.Dial(v.GetString("eth-rpc-url"))
		common.CheckErrf("dialing chain: %v", err)

		currency := ethcommon.Address{}
		isNative := v.GetString("currency-address") == ""
		if !isNative {
			currency = ethcommon.HexToAddress(v.GetString("currency-address"))
		}
		walletClient, err := wallet.DialLocal(
			v.GetString("eth-rpc-url"), v.GetString("wallet-pk"), v.GetUint64("chain-id"), currency)
		common.CheckErrf("creating wallet: %v", err)

		repoPath := v.GetString("repo-path")
		err = os.MkdirAll(filepath.Join(repoPath, "datastore"), 0o755)
		common.CheckErrf("creating repo path: %v", err)
		dstore, err := badger.NewDatastore(filepath.Join(repoPath, "datastore"), &badger.DefaultOptions)
		common.CheckErrf("opening datastore: %v", err)

		auctionContract := ethcommon.HexToAddress(v.GetString("auction-address"))
		config := service.Config{
			Backend:    backend.New(v.GetString("backend-url")),
			Wallet:     walletClient,
			Blocks:     chainClient,
			Checkpoint: chainClient,
			Watcher:    chainClient,
			Datastore:  dstore,
			Auction: reconciler.Params{
				AuctionID:       auction.AuctionID(v.GetString("auction-id")),
				AuctionContract: auctionContract,
				Wallet:          walletClient.Address(),
				ChainID:         v.GetUint64("chain-id"),
				StartBlock:      v.GetUint64("start-block"),
				EndBlock:        v.GetUint64("end-block"),
				FloorPrice:      mustBigInt("floor-price"),
				TickSize:        mustBigInt("tick-size"),
			},
			Submit: submitter.Params{
				AuctionContract:  auctionContract,
				Currency:         currency,
				IsNative:         isNative,
				ChainID:          v.GetUint64("chain-id"),
				BidTokenDecimals: uint8(v.GetInt("bid-token-decimals")),
			},
			ReconcilerOptions: []reconciler.Option{
				reconciler.WithPollFreq(v.GetDuration("poll-freq")),
			},
		}
		serv, err := service.New(config)
		common.CheckErr(err)

		httpServer, err := httpapi.NewServer(v.GetString("http-addr"), serv)
		common.CheckErr(err)

		common.HandleInterrupt(func() {
			if err := httpServer.Close(); err != nil {
				log.Errorf("closing http server: %s", err)
			}
			if err := serv.Close(); err != nil {
				log.Errorf("closing service: %s", err)
			}
			if err := dstore.Close(); err != nil {
				log.Errorf("closing datastore: %s", err)
			}
		})
	},
}

func mustBigInt(key string) *big.Int {
	i, ok := new(big.Int).SetString(v.GetString(key), 10)
	if !ok {
		log.Fatalf("invalid %s: %q", key, v.GetString(key))
	}
	return i
}

func maskedSettings() map[string]interface{} {
	settings := v.AllSettings()
	if _, ok := settings["wallet-pk"]; ok {
		settings["wallet-pk"] = "***"
	}
	return settings
}

func main() {
	common.CheckErr(rootCmd.Execute())
}
