package hypersync

import "context"

// Client defines the minimal set of indexer operations required by the
// Scanner. This allows mocking the backend in tests or swapping the HTTP
// implementation for another indexing service.
type Client interface {
	// QueryTransactions retrieves transactions matching the filter within the
	// range. Range chunking is the caller's responsibility.
	QueryTransactions(ctx context.Context, filter TransactionFilter, r BlockRange) ([]TransactionRecord, error)

	// QueryLogs retrieves logs matching the filter within the range.
	QueryLogs(ctx context.Context, filter LogFilter, r BlockRange) ([]LogRecord, error)

	// CurrentHeight returns the best-known chain height. Height is advisory
	// (it bounds the default scan range), so this never fails: if both the
	// indexer and the RPC fallback are unreachable, the last known good
	// value is returned.
	CurrentHeight(ctx context.Context) uint64

	// Close releases the underlying connections.
	Close()
}

// HeightClient is the secondary source for the chain height, used when the
// indexer response carries no usable archive height. *ethclient.Client
// satisfies it.
type HeightClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
}
