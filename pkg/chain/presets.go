package chain

import "sync"

// Preset defines the default endpoints and scan parameters for a network.
type Preset struct {
	ChainID string

	// HyperSyncURL is the default high-throughput indexing endpoint.
	HyperSyncURL string

	// RPCURL is the JSON-RPC endpoint used as the height failover.
	RPCURL string

	// LogBatchSize is the recommended number of contract addresses per log
	// query against this network's indexer.
	LogBatchSize int

	// BatchConcurrency is the recommended number of in-flight batches.
	BatchConcurrency int
}

var (
	registry = make(map[string]Preset)
	mu       sync.RWMutex
)

// Register adds a new network preset to the global registry.
func Register(name string, p Preset) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = p
}

// Get retrieves a preset configuration from the registry by its name.
func Get(name string) (Preset, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// Built-in presets
func init() {
	Register("monad-testnet", Preset{
		ChainID:          "10143",
		HyperSyncURL:     "https://monad-testnet.hypersync.xyz",
		RPCURL:           "https://testnet-rpc.monad.xyz",
		LogBatchSize:     50,
		BatchConcurrency: 5,
	})

	Register("eth-mainnet", Preset{
		ChainID:          "1",
		HyperSyncURL:     "https://eth.hypersync.xyz",
		RPCURL:           "https://eth.llamarpc.com",
		LogBatchSize:     50,
		BatchConcurrency: 5,
	})

	Register("base-mainnet", Preset{
		ChainID:          "8453",
		HyperSyncURL:     "https://base.hypersync.xyz",
		RPCURL:           "https://mainnet.base.org",
		LogBatchSize:     100, // Base's indexer tolerates wider address lists
		BatchConcurrency: 5,
	})
}
