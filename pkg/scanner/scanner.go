package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/84hero/dapp-scout/pkg/aggregate"
	"github.com/84hero/dapp-scout/pkg/hypersync"
	"github.com/84hero/dapp-scout/pkg/progress"
	"github.com/84hero/dapp-scout/pkg/registry"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidAddress rejects a malformed wallet address before any scanning
// work begins.
var ErrInvalidAddress = errors.New("invalid wallet address")

// Phase identifies where a scan currently is in its pipeline.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseInitializing
	PhaseScanningDirect
	PhaseScanningUserLogs
	PhaseScanningContractLogs
	PhaseMerging
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInitializing:
		return "initializing"
	case PhaseScanningDirect:
		return "scanning_direct"
	case PhaseScanningUserLogs:
		return "scanning_user_logs"
	case PhaseScanningContractLogs:
		return "scanning_contract_logs"
	case PhaseMerging:
		return "merging"
	case PhaseDone:
		return "done"
	default:
		return "failed"
	}
}

type Config struct {
	// LogBatchSize is the number of contract addresses grouped into one
	// contract-log query, bounded by backend request-size limits.
	LogBatchSize int

	// BatchConcurrency caps how many contract-log batches are in flight at
	// once.
	BatchConcurrency int

	// ProgressInterval and ProgressEvery throttle progress emission during
	// the per-contract phase: an update goes out when either threshold is
	// reached, and always for the final contract.
	ProgressInterval time.Duration
	ProgressEvery    int
}

// Options narrows a single scan invocation. A zero ToBlock means "current
// chain height resolved at scan start"; FromBlock defaults to genesis.
// DappID, when set, restricts the scan to one dApp's contracts.
type Options struct {
	FromBlock uint64
	ToBlock   uint64
	DappID    string
}

// Scanner determines which tracked contracts a wallet has interacted with,
// combining direct transactions, wallet-topic logs and contract logs over a
// fixed block range. A single Scanner is safe for concurrent scans: it holds
// no per-invocation state.
type Scanner struct {
	client   hypersync.Client
	registry registry.Registry
	config   Config
	progress *progress.Broadcaster
}

func New(client hypersync.Client, reg registry.Registry, cfg Config, reporter *progress.Broadcaster) *Scanner {
	if cfg.LogBatchSize <= 0 {
		cfg.LogBatchSize = 50
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 5
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 25
	}
	if reporter == nil {
		reporter = progress.NewBroadcaster(0)
	}
	return &Scanner{
		client:   client,
		registry: reg,
		config:   cfg,
		progress: reporter,
	}
}

// Progress exposes the reporter so callers can subscribe before starting a
// scan.
func (s *Scanner) Progress() *progress.Broadcaster {
	return s.progress
}

// run carries the state of one scan invocation.
type run struct {
	wallet      string
	paddedTopic string
	contracts   []registry.TrackedContract
	byAddress   map[string]registry.TrackedContract
	blockRange  hypersync.BlockRange
	phase       Phase
}

func (r *run) setPhase(p Phase) {
	r.phase = p
	log.Debug("Scan phase", "wallet", r.wallet, "phase", p.String())
}

// Scan detects every tracked dApp the wallet interacted with inside the
// resolved block range. Per-query backend failures degrade to empty results;
// only a malformed wallet address or an unreadable registry abort the scan.
func (s *Scanner) Scan(ctx context.Context, walletAddress string, opts Options) (*aggregate.InteractionSummary, error) {
	r := &run{phase: PhaseIdle}
	r.setPhase(PhaseInitializing)

	// 1. Validate input, fail fast before touching the registry.
	wallet, ok := registry.CanonicalAddress(walletAddress)
	if !ok {
		r.setPhase(PhaseFailed)
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, walletAddress)
	}
	r.wallet = wallet
	r.paddedTopic = hypersync.PadAddressTopic(wallet)

	// 2. Snapshot the tracked contract set. Concurrent registry mutation
	// after this point is invisible to this invocation.
	contracts, err := s.registry.LoadTrackedContracts(ctx, opts.DappID)
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		// A valid, non-error outcome: nothing to scan against.
		log.Info("No tracked contracts, returning empty summary", "wallet", wallet)
		r.setPhase(PhaseDone)
		return aggregate.Summarize(wallet, nil), nil
	}
	r.contracts = contracts
	r.byAddress = make(map[string]registry.TrackedContract, len(contracts))
	for _, c := range contracts {
		r.byAddress[c.Address] = c
	}

	// 3. Resolve the range once; it stays fixed for the whole scan.
	to := opts.ToBlock
	if to == 0 {
		to = s.client.CurrentHeight(ctx)
	}
	r.blockRange = hypersync.BlockRange{From: opts.FromBlock, To: to}
	log.Info("Scan started", "wallet", wallet, "contracts", len(contracts), "from", r.blockRange.From, "to", r.blockRange.To)

	// 4. The three retrieval strategies, then a strictly ordered merge.
	r.setPhase(PhaseScanningDirect)
	directTxs := s.scanDirect(ctx, r)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.setPhase(PhaseScanningUserLogs)
	userLogs := s.scanUserLogs(ctx, r.paddedTopic, r.blockRange)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.setPhase(PhaseScanningContractLogs)
	contractLogs := s.scanContractLogs(ctx, r)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.setPhase(PhaseMerging)
	records := s.merge(r, directTxs, userLogs, contractLogs)

	r.setPhase(PhaseDone)
	summary := aggregate.Summarize(wallet, records)
	log.Info("Scan complete", "wallet", wallet,
		"dapps", summary.TotalDappsInteracted, "transactions", summary.TotalTransactions)
	return summary, nil
}

// scanDirect issues one narrow transaction query per tracked contract:
// {from: wallet, to: contract} over the full range. A bulk "everything from
// this wallet" query is unbounded against a long history, while each
// per-contract query returns a small bounded set. Queries are independent;
// one failure never affects the others.
func (s *Scanner) scanDirect(ctx context.Context, r *run) []hypersync.TransactionRecord {
	var (
		found    []hypersync.TransactionRecord
		seen     = make(map[string]struct{})
		start    = time.Now()
		lastEmit = start
	)

	total := len(r.contracts)
	for i, contract := range r.contracts {
		if ctx.Err() != nil {
			return found
		}

		txs, err := s.client.QueryTransactions(ctx, hypersync.TransactionFilter{
			From: r.wallet,
			To:   contract.Address,
		}, r.blockRange)
		if err != nil {
			// Treated as zero results for this contract, scan advances.
			log.Warn("Transaction query failed", "contract", contract.Address, "err", err)
		}
		for _, tx := range txs {
			if _, dup := seen[tx.Hash]; dup {
				continue
			}
			seen[tx.Hash] = struct{}{}
			found = append(found, tx)
		}

		// Throttled progress: a time slice or a batch count, whichever comes
		// first, and always on the final contract.
		done := i + 1
		now := time.Now()
		if now.Sub(lastEmit) >= s.config.ProgressInterval || done%s.config.ProgressEvery == 0 || done == total {
			lastEmit = now
			elapsed := now.Sub(start).Seconds()
			remaining := 0.0
			if elapsed > 0 && done < total {
				rate := float64(done) / elapsed
				remaining = float64(total-done) / rate
			}
			s.progress.Publish(progress.Update{
				Current:                   done,
				Total:                     total,
				Percentage:                float64(done) / float64(total) * 100,
				MatchesSoFar:              len(found),
				EstimatedSecondsRemaining: remaining,
			})
		}
	}

	log.Info("Direct transaction phase complete", "wallet", r.wallet, "transactions", len(found), "took", time.Since(start))
	return found
}

// scanUserLogs fetches logs where the wallet appears as an indexed parameter
// in topic slot 1, 2 or 3. This catches involvement the direct phase misses,
// e.g. the wallet receiving a transfer inside a relayed transaction it never
// signed. The three slot queries run concurrently and the combined set is
// deduplicated by (transaction hash, log index).
func (s *Scanner) scanUserLogs(ctx context.Context, paddedTopic string, blockRange hypersync.BlockRange) []hypersync.LogRecord {
	topicSets := [][][]string{
		{{}, {paddedTopic}},
		{{}, {}, {paddedTopic}},
		{{}, {}, {}, {paddedTopic}},
	}

	results := make([][]hypersync.LogRecord, len(topicSets))
	g, gctx := errgroup.WithContext(ctx)
	for i, topics := range topicSets {
		g.Go(func() error {
			logs, err := s.client.QueryLogs(gctx, hypersync.LogFilter{Topics: topics}, blockRange)
			if err != nil {
				// Per-query failure degrades to an empty slot.
				log.Warn("User log query failed", "topic_slot", i+1, "err", err)
				return nil
			}
			results[i] = logs
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]struct{})
	var merged []hypersync.LogRecord
	for _, logs := range results {
		for _, l := range logs {
			key := fmt.Sprintf("%s-%d", l.TransactionHash, l.LogIndex)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, l)
		}
	}

	log.Info("User log phase complete", "logs", len(merged))
	return merged
}

// scanContractLogs fetches every log the tracked contracts emitted inside
// the range, in address batches with bounded concurrency, and keeps the logs
// the wallet is involved in: as the sender of the enclosing transaction, in
// any topic slot, or embedded in the raw data payload (non-indexed address
// parameters).
func (s *Scanner) scanContractLogs(ctx context.Context, r *run) []hypersync.LogRecord {
	addrs := make([]string, 0, len(r.contracts))
	for _, c := range r.contracts {
		addrs = append(addrs, c.Address)
	}

	var (
		mu      sync.Mutex
		matched []hypersync.LogRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.BatchConcurrency)

	for start := 0; start < len(addrs); start += s.config.LogBatchSize {
		end := start + s.config.LogBatchSize
		if end > len(addrs) {
			end = len(addrs)
		}
		batch := addrs[start:end]

		g.Go(func() error {
			logs, err := s.client.QueryLogs(gctx, hypersync.LogFilter{
				Addresses:     batch,
				IncludeTxFrom: true,
			}, r.blockRange)
			if err != nil {
				log.Warn("Contract log query failed", "batch_size", len(batch), "err", err)
				return nil
			}

			var kept []hypersync.LogRecord
			for _, l := range logs {
				if s.walletInvolved(l, r.wallet, r.paddedTopic) {
					kept = append(kept, l)
				}
			}
			if len(kept) > 0 {
				mu.Lock()
				matched = append(matched, kept...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info("Contract log phase complete", "matched", len(matched))
	return matched
}

// walletInvolved reports whether a log implicates the wallet. All inputs are
// canonical lowercase, so comparisons are effectively case-insensitive.
func (s *Scanner) walletInvolved(l hypersync.LogRecord, wallet, paddedTopic string) bool {
	if l.TxFrom == wallet {
		return true
	}
	for _, topic := range l.Topics {
		if topic == paddedTopic {
			return true
		}
	}
	// The unprefixed address body can sit anywhere inside the data payload.
	return strings.Contains(l.Data, strings.TrimPrefix(wallet, "0x"))
}

// merge folds the three evidence streams into per-dApp accumulators, in a
// fixed order: direct transactions, then user logs, then contract logs.
// Matched addresses with no owning dApp in the snapshot are ignored.
func (s *Scanner) merge(r *run, directTxs []hypersync.TransactionRecord, userLogs, contractLogs []hypersync.LogRecord) []aggregate.InteractionRecord {
	accs := make(map[string]*aggregate.Accumulator)

	accFor := func(address string) *aggregate.Accumulator {
		contract, tracked := r.byAddress[address]
		if !tracked {
			return nil
		}
		acc, ok := accs[contract.DappID]
		if !ok {
			acc = aggregate.NewAccumulator(contract.DappID, contract.DappName)
			accs[contract.DappID] = acc
		}
		return acc
	}

	for _, tx := range directTxs {
		if tx.To == "" {
			continue // contract creation, no recipient to attribute
		}
		if acc := accFor(tx.To); acc != nil {
			acc.Add(tx.To, tx.Hash, tx.BlockNumber)
		}
	}

	for _, l := range userLogs {
		if acc := accFor(l.Address); acc != nil {
			acc.Add(l.Address, l.TransactionHash, l.BlockNumber)
		}
	}

	for _, l := range contractLogs {
		if acc := accFor(l.Address); acc != nil {
			acc.Add(l.Address, l.TransactionHash, l.BlockNumber)
		}
	}

	records := make([]aggregate.InteractionRecord, 0, len(accs))
	for _, acc := range accs {
		records = append(records, acc.Record())
	}
	return records
}

// InteractedDappIDs runs a full scan and returns only the dApp identifiers,
// for callers that need membership rather than detail.
func (s *Scanner) InteractedDappIDs(ctx context.Context, walletAddress string, opts Options) ([]string, error) {
	summary, err := s.Scan(ctx, walletAddress, opts)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(summary.Interactions))
	for _, rec := range summary.Interactions {
		ids = append(ids, rec.DappID)
	}
	return ids, nil
}

// HasInteractedWithDapp is a cheaper membership probe against one dApp: it
// checks the wallet-topic logs against that dApp's contracts without running
// the per-contract transaction phase.
func (s *Scanner) HasInteractedWithDapp(ctx context.Context, walletAddress, dappID string, opts Options) (bool, error) {
	wallet, ok := registry.CanonicalAddress(walletAddress)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrInvalidAddress, walletAddress)
	}

	contracts, err := s.registry.LoadTrackedContracts(ctx, dappID)
	if err != nil {
		return false, err
	}
	if len(contracts) == 0 {
		return false, nil
	}

	to := opts.ToBlock
	if to == 0 {
		to = s.client.CurrentHeight(ctx)
	}
	blockRange := hypersync.BlockRange{From: opts.FromBlock, To: to}

	owned := make(map[string]struct{}, len(contracts))
	for _, c := range contracts {
		owned[c.Address] = struct{}{}
	}

	for _, l := range s.scanUserLogs(ctx, hypersync.PadAddressTopic(wallet), blockRange) {
		if _, ok := owned[l.Address]; ok {
			return true, nil
		}
	}
	return false, ctx.Err()
}
