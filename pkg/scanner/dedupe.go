package scanner

import (
	"context"
	"fmt"

	"github.com/84hero/dapp-scout/pkg/aggregate"
	"github.com/84hero/dapp-scout/pkg/registry"
	"golang.org/x/sync/singleflight"
)

// Deduper collapses concurrent scans for the same (wallet, range, dApp) key
// into a single execution whose result is shared by every waiter. It is
// caller-owned: its lifecycle is the lifecycle of whatever constructed it,
// there is no package-level shared state.
type Deduper struct {
	scanner *Scanner
	group   singleflight.Group
}

// NewDeduper wraps a Scanner with in-flight request deduplication.
func NewDeduper(s *Scanner) *Deduper {
	return &Deduper{scanner: s}
}

// Scan behaves like Scanner.Scan, except that callers arriving while an
// identical scan is already running wait for that scan instead of starting
// their own. The context of the first caller drives the shared execution.
func (d *Deduper) Scan(ctx context.Context, walletAddress string, opts Options) (*aggregate.InteractionSummary, error) {
	wallet, ok := registry.CanonicalAddress(walletAddress)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, walletAddress)
	}

	key := fmt.Sprintf("%s:%d:%d:%s", wallet, opts.FromBlock, opts.ToBlock, opts.DappID)
	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		return d.scanner.Scan(ctx, wallet, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*aggregate.InteractionSummary), nil
}
