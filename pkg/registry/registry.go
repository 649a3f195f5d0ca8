package registry

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// ErrUnavailable indicates the contract registry could not be read at all.
// This is fatal for a scan: an unreadable registry is distinct from a
// legitimately empty one.
var ErrUnavailable = errors.New("contract registry unavailable")

var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// TrackedContract is a contract address known to belong to a specific dApp.
// Addresses are canonical lowercase hex.
type TrackedContract struct {
	Address  string
	DappID   string
	DappName string
}

// Registry reads the current set of tracked contracts. The registry is
// populated externally (scraper + enrichment pipeline) and is read-only from
// the scanner's perspective.
type Registry interface {
	// LoadTrackedContracts returns all tracked contracts, or only those
	// belonging to dappID when it is non-empty. Entries with malformed
	// addresses are dropped, not fatal.
	LoadTrackedContracts(ctx context.Context, dappID string) ([]TrackedContract, error)

	Close() error
}

// CanonicalAddress lowercases a hex address and reports whether it is a
// well-formed 20-byte address.
func CanonicalAddress(address string) (string, bool) {
	addr := strings.ToLower(strings.TrimSpace(address))
	return addr, addressPattern.MatchString(addr)
}

// sanitize canonicalizes and filters a raw contract list, logging dropped
// entries. Shared by all Registry implementations.
func sanitize(raw []TrackedContract) []TrackedContract {
	out := make([]TrackedContract, 0, len(raw))
	for _, c := range raw {
		addr, ok := CanonicalAddress(c.Address)
		if !ok {
			log.Warn("Ignoring tracked contract with invalid address", "address", c.Address, "dapp_id", c.DappID)
			continue
		}
		c.Address = addr
		out = append(out, c)
	}
	return out
}

// MemoryRegistry is a fixed in-memory implementation, used in tests and for
// one-shot CLI runs fed from config.
type MemoryRegistry struct {
	contracts []TrackedContract
	mu        sync.RWMutex
}

// NewMemoryRegistry initializes an in-memory registry from a contract list.
func NewMemoryRegistry(contracts []TrackedContract) *MemoryRegistry {
	return &MemoryRegistry{contracts: sanitize(contracts)}
}

// LoadTrackedContracts returns a snapshot of the registered contracts.
func (m *MemoryRegistry) LoadTrackedContracts(_ context.Context, dappID string) ([]TrackedContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TrackedContract, 0, len(m.contracts))
	for _, c := range m.contracts {
		if dappID != "" && c.DappID != dappID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Replace swaps the contract set, canonicalizing as on construction.
func (m *MemoryRegistry) Replace(contracts []TrackedContract) {
	clean := sanitize(contracts)
	m.mu.Lock()
	m.contracts = clean
	m.mu.Unlock()
}

// Close implements the Registry interface.
func (m *MemoryRegistry) Close() error { return nil }
