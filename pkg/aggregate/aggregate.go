package aggregate

// Package aggregate turns the raw evidence matched during a scan into
// per-dApp interaction records. Everything here is pure: accumulators are
// built for one scan and discarded with it.

// Accumulator collects evidence for a single dApp while a scan is merging.
// Contract addresses and transaction hashes use set semantics; EventCount
// counts evidence items, so re-discovered contracts or transactions still
// increment it.
type Accumulator struct {
	DappID            string
	DappName          string
	ContractAddresses map[string]struct{}
	TransactionHashes map[string]struct{}
	Blocks            []uint64
	EventCount        int
}

// NewAccumulator initializes an empty accumulator for a dApp.
func NewAccumulator(dappID, dappName string) *Accumulator {
	return &Accumulator{
		DappID:            dappID,
		DappName:          dappName,
		ContractAddresses: make(map[string]struct{}),
		TransactionHashes: make(map[string]struct{}),
	}
}

// Add records one matched evidence item. Empty contract or hash fields are
// skipped (a transaction creating a contract has no `to`, some logs carry no
// enclosing hash), block 0 is a valid genesis block and is kept.
func (a *Accumulator) Add(contractAddress, txHash string, blockNumber uint64) {
	if contractAddress != "" {
		a.ContractAddresses[contractAddress] = struct{}{}
	}
	if txHash != "" {
		a.TransactionHashes[txHash] = struct{}{}
	}
	a.Blocks = append(a.Blocks, blockNumber)
	a.EventCount++
}

// InteractionRecord is the per-dApp output unit of a scan.
type InteractionRecord struct {
	DappID            string   `json:"dappId"`
	DappName          string   `json:"dappName,omitempty"`
	ContractAddresses []string `json:"contractAddresses"`
	TransactionHashes []string `json:"transactionHashes"`
	FirstBlock        uint64   `json:"firstBlock"`
	LastBlock         uint64   `json:"lastBlock"`
	TransactionCount  int      `json:"transactionCount"`
	EventCount        int      `json:"eventCount"`
}

// InteractionSummary is the final result returned to the caller.
type InteractionSummary struct {
	WalletAddress        string              `json:"walletAddress"`
	TotalDappsInteracted int                 `json:"totalDappsInteracted"`
	TotalTransactions    int                 `json:"totalTransactions"`
	Interactions         []InteractionRecord `json:"interactions"`
}

// Record derives the final interaction record: first/last block as min/max
// over contributing evidence, distinct sets flattened to slices. No ordering
// guarantee on the slices.
func (a *Accumulator) Record() InteractionRecord {
	rec := InteractionRecord{
		DappID:            a.DappID,
		DappName:          a.DappName,
		ContractAddresses: make([]string, 0, len(a.ContractAddresses)),
		TransactionHashes: make([]string, 0, len(a.TransactionHashes)),
		TransactionCount:  len(a.TransactionHashes),
		EventCount:        a.EventCount,
	}
	for addr := range a.ContractAddresses {
		rec.ContractAddresses = append(rec.ContractAddresses, addr)
	}
	for h := range a.TransactionHashes {
		rec.TransactionHashes = append(rec.TransactionHashes, h)
	}
	for i, b := range a.Blocks {
		if i == 0 || b < rec.FirstBlock {
			rec.FirstBlock = b
		}
		if b > rec.LastBlock {
			rec.LastBlock = b
		}
	}
	return rec
}

// Summarize builds the caller-facing summary from all per-dApp records.
// TotalTransactions sums distinct transaction counts per dApp.
func Summarize(walletAddress string, records []InteractionRecord) *InteractionSummary {
	summary := &InteractionSummary{
		WalletAddress:        walletAddress,
		TotalDappsInteracted: len(records),
		Interactions:         records,
	}
	if summary.Interactions == nil {
		summary.Interactions = []InteractionRecord{}
	}
	for _, r := range records {
		summary.TotalTransactions += r.TransactionCount
	}
	return summary
}
