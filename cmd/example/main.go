package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/84hero/dapp-scout/pkg/chain"
	"github.com/84hero/dapp-scout/pkg/hypersync"
	"github.com/84hero/dapp-scout/pkg/registry"
	"github.com/84hero/dapp-scout/pkg/scanner"
	"github.com/84hero/dapp-scout/pkg/storage"
	"github.com/ethereum/go-ethereum/log"
)

// Programmatic usage of the library, end to end: pick a network, declare
// tracked contracts, run one scan and print what the wallet touched.
func main() {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	// [Feature 1: Custom Chain Presets]
	// Suppose we are scanning a private chain "my-chain"
	chain.Register("my-chain", chain.Preset{
		ChainID:          "999",
		HyperSyncURL:     "https://my-chain.hypersync.example",
		RPCURL:           "https://rpc.my-chain.example",
		LogBatchSize:     100,
		BatchConcurrency: 5,
	})

	network := os.Getenv("NETWORK")
	if network == "" {
		network = "monad-testnet"
	}
	preset, ok := chain.Get(network)
	if !ok {
		log.Crit("Unknown network", "network", network)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Indexer client with the preset endpoints
	client, err := hypersync.NewClient(ctx, hypersync.Config{
		URL:            preset.HyperSyncURL,
		RPCFallbackURL: preset.RPCURL,
	})
	if err != nil {
		log.Crit("Failed to init client", "err", err)
	}
	defer client.Close()

	// 2. Tracked contracts. In production these come from the registry
	// pipeline (Postgres or Redis); here a fixed set is enough.
	reg := registry.NewMemoryRegistry([]registry.TrackedContract{
		{Address: "0x0d500b1d8e8ef31e21c99d1db9a6444d3adf1270", DappID: "wrapped-native", DappName: "Wrapped Native"},
		{Address: "0x68b3465833fb72a70ecdf485e0e4c7bd8665fc45", DappID: "uniswap", DappName: "Uniswap V3"},
	})

	// 3. Summary cache [Feature 2: Multiple Storage Engine Support]
	var cache storage.Cache
	if dbURL := os.Getenv("PG_URL"); dbURL != "" {
		cache, err = storage.NewPostgresCache(dbURL, "")
		if err != nil {
			log.Crit("Failed to connect to Postgres", "err", err)
		}
		log.Info("Using PostgreSQL cache")
	} else if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		cache, err = storage.NewRedisCache(redisAddr, "", 0, "")
		if err != nil {
			log.Crit("Failed to connect to Redis", "err", err)
		}
		log.Info("Using Redis cache")
	} else {
		cache = storage.NewMemoryCache("example_")
		log.Info("Using Memory cache (data lost on restart)")
	}
	defer cache.Close()

	// 4. The scanner, with progress printed as it works
	s := scanner.New(client, reg, scanner.Config{
		LogBatchSize:     preset.LogBatchSize,
		BatchConcurrency: preset.BatchConcurrency,
	}, nil)

	updates, unsubscribe := s.Progress().Subscribe()
	defer unsubscribe()
	go func() {
		for u := range updates {
			fmt.Printf(" [Progress] %d/%d contracts (%.1f%%), %d matches so far\n",
				u.Current, u.Total, u.Percentage, u.MatchesSoFar)
		}
	}()

	wallet := os.Getenv("WALLET")
	if wallet == "" {
		wallet = "0xd8da6bf26964af9d7eed9e03e53415d37aa96045"
	}

	key := wallet + ":latest"
	if cached, hit, _ := cache.Load(key); hit {
		fmt.Printf("Cached: %s interacted with %d dApps\n", cached.WalletAddress, cached.TotalDappsInteracted)
		return
	}

	summary, err := s.Scan(ctx, wallet, scanner.Options{})
	if err != nil {
		log.Crit("Scan failed", "err", err)
	}
	_ = cache.Save(key, summary, 10*time.Minute)

	fmt.Printf("\n%s interacted with %d dApps (%d transactions)\n",
		summary.WalletAddress, summary.TotalDappsInteracted, summary.TotalTransactions)
	for _, rec := range summary.Interactions {
		fmt.Printf(" [dApp] %s | txs: %d | events: %d | blocks: %d-%d\n",
			rec.DappID, rec.TransactionCount, rec.EventCount, rec.FirstBlock, rec.LastBlock)
	}
}
