package discovery

import (
	"context"
	"sort"
	"strings"

	"github.com/84hero/dapp-scout/pkg/hypersync"
	"github.com/ethereum/go-ethereum/log"
)

// Package discovery finds candidate dApp contracts by looking at recent
// on-chain activity. Its output feeds the external registry pipeline; the
// interaction scanner itself never depends on it.

// ActiveContract is a contract ranked by how many events it emitted in the
// inspected range, with the distinct event signatures observed.
type ActiveContract struct {
	Address         string
	EventCount      int
	EventSignatures []string
}

// Candidate is a discovered contract grouped under its deployer. Contracts
// sharing a deployer are assumed to belong to one dApp.
type Candidate struct {
	Address         string
	Deployer        string
	BlockNumber     uint64
	EventCount      int
	EventSignatures []string
}

type Config struct {
	// WindowBlocks bounds how far back from the chain head discovery looks.
	WindowBlocks uint64

	// MaxContracts caps how many top active contracts are considered.
	MaxContracts int

	// MaxDapps stops discovery once that many distinct deployers were seen.
	MaxDapps int
}

// Discoverer ranks recent contract activity through the indexing backend.
type Discoverer struct {
	client hypersync.Client
	config Config
}

func New(client hypersync.Client, cfg Config) *Discoverer {
	if cfg.WindowBlocks == 0 {
		cfg.WindowBlocks = 1000
	}
	if cfg.MaxContracts <= 0 {
		cfg.MaxContracts = 500
	}
	if cfg.MaxDapps <= 0 {
		cfg.MaxDapps = 5
	}
	return &Discoverer{client: client, config: cfg}
}

// MostActiveContracts groups every log in the range by emitting address and
// returns the busiest contracts, most active first. Best-effort: a backend
// failure yields an empty list.
func (d *Discoverer) MostActiveContracts(ctx context.Context, r hypersync.BlockRange, limit int) []ActiveContract {
	// An empty log selection matches every log in the range.
	logs, err := d.client.QueryLogs(ctx, hypersync.LogFilter{}, r)
	if err != nil {
		log.Warn("Activity query failed", "from", r.From, "to", r.To, "err", err)
		return nil
	}

	type activity struct {
		count int
		sigs  map[string]struct{}
	}
	byAddress := make(map[string]*activity)
	for _, l := range logs {
		a, ok := byAddress[l.Address]
		if !ok {
			a = &activity{sigs: make(map[string]struct{})}
			byAddress[l.Address] = a
		}
		a.count++
		if l.Topics[0] != "" {
			a.sigs[l.Topics[0]] = struct{}{}
		}
	}

	ranked := make([]ActiveContract, 0, len(byAddress))
	for addr, a := range byAddress {
		c := ActiveContract{Address: addr, EventCount: a.count}
		for sig := range a.sigs {
			c.EventSignatures = append(c.EventSignatures, sig)
		}
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].EventCount != ranked[j].EventCount {
			return ranked[i].EventCount > ranked[j].EventCount
		}
		return ranked[i].Address < ranked[j].Address
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	log.Info("Ranked active contracts", "total", len(byAddress), "kept", len(ranked))
	return ranked
}

// ContractCreator resolves the deployer of a contract via its creation
// transaction. When the creation cannot be found the contract's own address
// is returned, so grouping still works (each unknown stands alone).
func (d *Discoverer) ContractCreator(ctx context.Context, contractAddress string, r hypersync.BlockRange) string {
	txs, err := d.client.QueryTransactions(ctx, hypersync.TransactionFilter{}, r)
	if err != nil {
		log.Warn("Creation lookup failed", "contract", contractAddress, "err", err)
		return contractAddress
	}

	// The creation transaction is the one whose created address matches the
	// contract we are resolving.
	want := strings.ToLower(contractAddress)
	for _, tx := range txs {
		if tx.ContractAddress == want && tx.From != "" {
			return tx.From
		}
	}
	return contractAddress
}

// DiscoverContracts scans a recent block window for the busiest contracts
// and groups them by deployer until the configured number of distinct dApps
// is reached.
func (d *Discoverer) DiscoverContracts(ctx context.Context) []Candidate {
	head := d.client.CurrentHeight(ctx)
	from := uint64(0)
	if head > d.config.WindowBlocks {
		from = head - d.config.WindowBlocks
	}
	r := hypersync.BlockRange{From: from, To: head}
	log.Info("Discovering contracts", "from", r.From, "to", r.To)

	active := d.MostActiveContracts(ctx, r, d.config.MaxContracts)

	var candidates []Candidate
	deployers := make(map[string]struct{})
	for _, c := range active {
		if len(deployers) >= d.config.MaxDapps {
			break
		}
		deployer := d.ContractCreator(ctx, c.Address, r)
		candidates = append(candidates, Candidate{
			Address:         c.Address,
			Deployer:        deployer,
			BlockNumber:     head,
			EventCount:      c.EventCount,
			EventSignatures: c.EventSignatures,
		})
		if _, seen := deployers[deployer]; !seen {
			deployers[deployer] = struct{}{}
			log.Info("New dApp candidate", "deployer", deployer, "found", len(deployers), "cap", d.config.MaxDapps)
		}
	}

	log.Info("Discovery complete", "contracts", len(candidates), "dapps", len(deployers))
	return candidates
}
