package scanner

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/84hero/dapp-scout/pkg/hypersync"
	"github.com/84hero/dapp-scout/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockClient implements hypersync.Client
type MockClient struct {
	mock.Mock
}

func (m *MockClient) QueryTransactions(ctx context.Context, f hypersync.TransactionFilter, r hypersync.BlockRange) ([]hypersync.TransactionRecord, error) {
	args := m.Called(ctx, f, r)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]hypersync.TransactionRecord), args.Error(1)
}

func (m *MockClient) QueryLogs(ctx context.Context, f hypersync.LogFilter, r hypersync.BlockRange) ([]hypersync.LogRecord, error) {
	args := m.Called(ctx, f, r)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]hypersync.LogRecord), args.Error(1)
}

func (m *MockClient) CurrentHeight(ctx context.Context) uint64 {
	return m.Called(ctx).Get(0).(uint64)
}

func (m *MockClient) Close() {
	m.Called()
}

// MockRegistry implements registry.Registry
type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) LoadTrackedContracts(ctx context.Context, dappID string) ([]registry.TrackedContract, error) {
	args := m.Called(ctx, dappID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]registry.TrackedContract), args.Error(1)
}

func (m *MockRegistry) Close() error {
	return m.Called().Error(0)
}

const (
	testWallet   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testContract = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	otherWallet  = "0xcccccccccccccccccccccccccccccccccccccccc"
)

func testRegistry() *registry.MemoryRegistry {
	return registry.NewMemoryRegistry([]registry.TrackedContract{
		{Address: testContract, DappID: "uniswap", DappName: "Uniswap"},
	})
}

// isUserLogFilter matches the wallet-topic queries (no address restriction).
func isUserLogFilter(f hypersync.LogFilter) bool {
	return len(f.Addresses) == 0
}

// isContractLogFilter matches the batched contract-log queries.
func isContractLogFilter(f hypersync.LogFilter) bool {
	return len(f.Addresses) > 0 && f.IncludeTxFrom
}

// noLogs wires both log phases to return nothing.
func noLogs(client *MockClient) {
	client.On("QueryLogs", mock.Anything, mock.Anything, mock.Anything).Return([]hypersync.LogRecord{}, nil)
}

func TestScan_InvalidAddress(t *testing.T) {
	s := New(new(MockClient), testRegistry(), Config{}, nil)

	for _, addr := range []string{"", "0x123", "not-an-address", "0xزzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"} {
		_, err := s.Scan(context.Background(), addr, Options{ToBlock: 100})
		assert.ErrorIs(t, err, ErrInvalidAddress, "address %q", addr)
	}
}

func TestScan_MixedCaseAddressAccepted(t *testing.T) {
	client := new(MockClient)
	client.On("QueryTransactions", mock.Anything, mock.Anything, mock.Anything).Return([]hypersync.TransactionRecord{}, nil)
	noLogs(client)

	s := New(client, testRegistry(), Config{}, nil)
	summary, err := s.Scan(context.Background(), strings.ToUpper(testWallet[2:4])+testWallet[4:], Options{ToBlock: 100})
	assert.ErrorIs(t, err, ErrInvalidAddress) // missing 0x prefix

	summary, err = s.Scan(context.Background(), "0x"+strings.ToUpper(testWallet[2:]), Options{ToBlock: 100})
	assert.NoError(t, err)
	assert.Equal(t, testWallet, summary.WalletAddress)
}

func TestScan_RegistryUnavailable(t *testing.T) {
	reg := new(MockRegistry)
	reg.On("LoadTrackedContracts", mock.Anything, "").Return(nil, fmt.Errorf("%w: connection refused", registry.ErrUnavailable))

	s := New(new(MockClient), reg, Config{}, nil)
	_, err := s.Scan(context.Background(), testWallet, Options{ToBlock: 100})
	assert.ErrorIs(t, err, registry.ErrUnavailable)
}

func TestScan_EmptyRegistry(t *testing.T) {
	// No tracked contracts: valid empty summary, no backend calls at all.
	client := new(MockClient)
	s := New(client, registry.NewMemoryRegistry(nil), Config{}, nil)

	summary, err := s.Scan(context.Background(), testWallet, Options{ToBlock: 100})
	assert.NoError(t, err)
	assert.Equal(t, 0, summary.TotalDappsInteracted)
	assert.NotNil(t, summary.Interactions)
	assert.Empty(t, summary.Interactions)
	client.AssertNotCalled(t, "QueryTransactions")
	client.AssertNotCalled(t, "QueryLogs")
}

func TestScan_DirectTransactions(t *testing.T) {
	client := new(MockClient)
	client.On("QueryTransactions", mock.Anything,
		hypersync.TransactionFilter{From: testWallet, To: testContract},
		hypersync.BlockRange{From: 10, To: 100},
	).Return([]hypersync.TransactionRecord{
		{Hash: "0xh1", From: testWallet, To: testContract, BlockNumber: 42},
		{Hash: "0xh2", From: testWallet, To: testContract, BlockNumber: 17},
	}, nil).Once()
	noLogs(client)

	s := New(client, testRegistry(), Config{}, nil)
	summary, err := s.Scan(context.Background(), testWallet, Options{FromBlock: 10, ToBlock: 100})
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.TotalDappsInteracted)
	assert.Equal(t, 2, summary.TotalTransactions)

	rec := summary.Interactions[0]
	assert.Equal(t, "uniswap", rec.DappID)
	assert.Equal(t, "Uniswap", rec.DappName)
	assert.Equal(t, uint64(17), rec.FirstBlock)
	assert.Equal(t, uint64(42), rec.LastBlock)
	assert.Equal(t, 2, rec.EventCount)
	assert.ElementsMatch(t, []string{testContract}, rec.ContractAddresses)
	client.AssertExpectations(t)
}

func TestScan_SharedDappMergesContracts(t *testing.T) {
	// Two tracked contracts belong to the same dApp. Hits against both must
	// collapse into a single interaction record listing both addresses.
	secondContract := "0xdddddddddddddddddddddddddddddddddddddddd"
	reg := registry.NewMemoryRegistry([]registry.TrackedContract{
		{Address: testContract, DappID: "uniswap", DappName: "Uniswap"},
		{Address: secondContract, DappID: "uniswap", DappName: "Uniswap"},
	})

	client := new(MockClient)
	client.On("QueryTransactions", mock.Anything,
		hypersync.TransactionFilter{From: testWallet, To: testContract}, mock.Anything,
	).Return([]hypersync.TransactionRecord{
		{Hash: "0xh1", From: testWallet, To: testContract, BlockNumber: 30},
	}, nil).Once()
	client.On("QueryTransactions", mock.Anything,
		hypersync.TransactionFilter{From: testWallet, To: secondContract}, mock.Anything,
	).Return([]hypersync.TransactionRecord{
		{Hash: "0xh2", From: testWallet, To: secondContract, BlockNumber: 70},
	}, nil).Once()
	noLogs(client)

	s := New(client, reg, Config{}, nil)
	summary, err := s.Scan(context.Background(), testWallet, Options{ToBlock: 100})
	assert.NoError(t, err)

	assert.Equal(t, 1, summary.TotalDappsInteracted)
	assert.Len(t, summary.Interactions, 1)

	rec := summary.Interactions[0]
	assert.Equal(t, "uniswap", rec.DappID)
	assert.ElementsMatch(t, []string{testContract, secondContract}, rec.ContractAddresses)
	assert.ElementsMatch(t, []string{"0xh1", "0xh2"}, rec.TransactionHashes)
	assert.Equal(t, 2, rec.TransactionCount)
	assert.Equal(t, uint64(30), rec.FirstBlock)
	assert.Equal(t, uint64(70), rec.LastBlock)
	client.AssertExpectations(t)
}

func TestScan_UserLogs(t *testing.T) {
	padded := hypersync.PadAddressTopic(testWallet)

	client := new(MockClient)
	client.On("QueryTransactions", mock.Anything, mock.Anything, mock.Anything).Return([]hypersync.TransactionRecord{}, nil)

	// Slot 1 carries the wallet, slots 2 and 3 are empty.
	client.On("QueryLogs", mock.Anything, mock.MatchedBy(func(f hypersync.LogFilter) bool {
		return isUserLogFilter(f) && len(f.Topics) == 2
	}), mock.Anything).Return([]hypersync.LogRecord{
		{Address: testContract, Topics: [4]string{"0xsig", padded}, TransactionHash: "0xh1", LogIndex: 3, BlockNumber: 50},
		{Address: otherWallet, Topics: [4]string{"0xsig", padded}, TransactionHash: "0xh2", LogIndex: 0, BlockNumber: 51},
	}, nil).Once()
	client.On("QueryLogs", mock.Anything, mock.MatchedBy(func(f hypersync.LogFilter) bool {
		return isUserLogFilter(f) && len(f.Topics) > 2
	}), mock.Anything).Return([]hypersync.LogRecord{}, nil)
	client.On("QueryLogs", mock.Anything, mock.MatchedBy(isContractLogFilter), mock.Anything).Return([]hypersync.LogRecord{}, nil)

	s := New(client, testRegistry(), Config{}, nil)
	summary, err := s.Scan(context.Background(), testWallet, Options{ToBlock: 100})
	assert.NoError(t, err)

	// The log against the untracked address is dropped; the tracked one
	// counts as an interaction.
	assert.Equal(t, 1, summary.TotalDappsInteracted)
	rec := summary.Interactions[0]
	assert.Equal(t, "uniswap", rec.DappID)
	assert.Equal(t, 1, rec.TransactionCount)
	assert.Equal(t, 1, rec.EventCount)
	assert.Equal(t, uint64(50), rec.FirstBlock)
	assert.Equal(t, uint64(50), rec.LastBlock)
}

func TestScan_UserLogs_DedupeAcrossSlots(t *testing.T) {
	padded := hypersync.PadAddressTopic(testWallet)
	// The same log comes back from two slot queries; it must count once.
	dup := hypersync.LogRecord{Address: testContract, Topics: [4]string{"0xsig", padded, padded}, TransactionHash: "0xh1", LogIndex: 7, BlockNumber: 60}

	client := new(MockClient)
	client.On("QueryTransactions", mock.Anything, mock.Anything, mock.Anything).Return([]hypersync.TransactionRecord{}, nil)
	client.On("QueryLogs", mock.Anything, mock.MatchedBy(func(f hypersync.LogFilter) bool {
		return isUserLogFilter(f) && len(f.Topics) <= 3
	}), mock.Anything).Return([]hypersync.LogRecord{dup}, nil).Twice()
	client.On("QueryLogs", mock.Anything, mock.MatchedBy(func(f hypersync.LogFilter) bool {
		return isUserLogFilter(f) && len(f.Topics) == 4
	}), mock.Anything).Return([]hypersync.LogRecord{}, nil)
	client.On("QueryLogs", mock.Anything, mock.MatchedBy(isContractLogFilter), mock.Anything).Return([]hypersync.LogRecord{}, nil)

	s := New(client, testRegistry(), Config{}, nil)
	summary, err := s.Scan(context.Background(), testWallet, Options{ToBlock: 100})
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.Interactions[0].EventCount)
	assert.Equal(t, 1, summary.Interactions[0].TransactionCount)
}

func TestScan_ContractLogs_WalletInvolvement(t *testing.T) {
	padded := hypersync.PadAddressTopic(testWallet)

	client := new(MockClient)
	client.On("QueryTransactions", mock.Anything, mock.Anything, mock.Anything).Return([]hypersync.TransactionRecord{}, nil)
	client.On("QueryLogs", mock.Anything, mock.MatchedBy(isUserLogFilter), mock.Anything).Return([]hypersync.LogRecord{}, nil)
	client.On("QueryLogs", mock.Anything, mock.MatchedBy(isContractLogFilter), mock.Anything).Return([]hypersync.LogRecord{
		// Kept: wallet sent the enclosing transaction.
		{Address: testContract, TransactionHash: "0xh1", BlockNumber: 1, TxFrom: testWallet},
		// Kept: wallet sits in a topic slot.
		{Address: testContract, TransactionHash: "0xh2", BlockNumber: 2, Topics: [4]string{"0xsig", "", padded}},
		// Kept: wallet body embedded in the data payload.
		{Address: testContract, TransactionHash: "0xh3", BlockNumber: 3, Data: "0x000000" + strings.TrimPrefix(testWallet, "0x") + "00"},
		// Dropped: no relation to the wallet.
		{Address: testContract, TransactionHash: "0xh4", BlockNumber: 4, TxFrom: otherWallet},
	}, nil).Once()

	s := New(client, testRegistry(), Config{}, nil)
	summary, err := s.Scan(context.Background(), testWallet, Options{ToBlock: 100})
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.TotalDappsInteracted)

	rec := summary.Interactions[0]
	assert.Equal(t, 3, rec.EventCount)
	assert.ElementsMatch(t, []string{"0xh1", "0xh2", "0xh3"}, rec.TransactionHashes)
	assert.Equal(t, uint64(1), rec.FirstBlock)
	assert.Equal(t, uint64(3), rec.LastBlock)
}

func TestScan_ContractLogs_Batching(t *testing.T) {
	// 5 contracts with a batch size of 2 -> 3 contract-log queries.
	contracts := make([]registry.TrackedContract, 5)
	for i := range contracts {
		contracts[i] = registry.TrackedContract{
			Address: fmt.Sprintf("0x%040d", i+1),
			DappID:  "dapp",
		}
	}

	client := new(MockClient)
	client.On("QueryTransactions", mock.Anything, mock.Anything, mock.Anything).Return([]hypersync.TransactionRecord{}, nil)
	client.On("QueryLogs", mock.Anything, mock.MatchedBy(isUserLogFilter), mock.Anything).Return([]hypersync.LogRecord{}, nil)

	var batchSizes []int
	client.On("QueryLogs", mock.Anything, mock.MatchedBy(isContractLogFilter), mock.Anything).
		Run(func(args mock.Arguments) {
			batchSizes = append(batchSizes, len(args.Get(1).(hypersync.LogFilter).Addresses))
		}).
		Return([]hypersync.LogRecord{}, nil).Times(3)

	s := New(client, registry.NewMemoryRegistry(contracts), Config{LogBatchSize: 2, BatchConcurrency: 1}, nil)
	_, err := s.Scan(context.Background(), testWallet, Options{ToBlock: 100})
	assert.NoError(t, err)
	assert.ElementsMatch(t, []int{2, 2, 1}, batchSizes)
	client.AssertExpectations(t)
}

func TestScan_DedupeAcrossStrategies(t *testing.T) {
	padded := hypersync.PadAddressTopic(testWallet)

	// The same transaction shows up as a direct hit and as a user log.
	client := new(MockClient)
	client.On("QueryTransactions", mock.Anything, mock.Anything, mock.Anything).Return([]hypersync.TransactionRecord{
		{Hash: "0xh1", From: testWallet, To: testContract, BlockNumber: 42},
	}, nil)
	client.On("QueryLogs", mock.Anything, mock.MatchedBy(func(f hypersync.LogFilter) bool {
		return isUserLogFilter(f) && len(f.Topics) == 2
	}), mock.Anything).Return([]hypersync.LogRecord{
		{Address: testContract, Topics: [4]string{"0xsig", padded}, TransactionHash: "0xh1", LogIndex: 0, BlockNumber: 42},
	}, nil)
	client.On("QueryLogs", mock.Anything, mock.Anything, mock.Anything).Return([]hypersync.LogRecord{}, nil)

	s := New(client, testRegistry(), Config{}, nil)
	summary, err := s.Scan(context.Background(), testWallet, Options{ToBlock: 100})
	assert.NoError(t, err)

	rec := summary.Interactions[0]
	// Distinct transactions stay at 1, the evidence count reflects both hits.
	assert.Equal(t, 1, rec.TransactionCount)
	assert.Equal(t, 2, rec.EventCount)
	assert.Equal(t, 1, summary.TotalTransactions)
}

func TestScan_QueryFailuresDegrade(t *testing.T) {
	// Every backend query fails; the scan still completes with an empty
	// summary instead of an error.
	client := new(MockClient)
	client.On("QueryTransactions", mock.Anything, mock.Anything, mock.Anything).Return(nil, assert.AnError)
	client.On("QueryLogs", mock.Anything, mock.Anything, mock.Anything).Return(nil, assert.AnError)

	s := New(client, testRegistry(), Config{}, nil)
	summary, err := s.Scan(context.Background(), testWallet, Options{ToBlock: 100})
	assert.NoError(t, err)
	assert.Equal(t, 0, summary.TotalDappsInteracted)
	assert.Empty(t, summary.Interactions)
}

func TestScan_ZeroToBlockResolvesHeight(t *testing.T) {
	client := new(MockClient)
	client.On("CurrentHeight", mock.Anything).Return(uint64(1000)).Once()
	client.On("QueryTransactions", mock.Anything, mock.Anything, hypersync.BlockRange{From: 0, To: 1000}).Return([]hypersync.TransactionRecord{}, nil)
	client.On("QueryLogs", mock.Anything, mock.Anything, hypersync.BlockRange{From: 0, To: 1000}).Return([]hypersync.LogRecord{}, nil)

	s := New(client, testRegistry(), Config{}, nil)
	_, err := s.Scan(context.Background(), testWallet, Options{})
	assert.NoError(t, err)
	client.AssertExpectations(t)
}

func TestScan_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := new(MockClient)
	client.On("QueryTransactions", mock.Anything, mock.Anything, mock.Anything).Return([]hypersync.TransactionRecord{}, nil).Maybe()

	s := New(client, testRegistry(), Config{}, nil)
	_, err := s.Scan(ctx, testWallet, Options{ToBlock: 100})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScan_Idempotent(t *testing.T) {
	// Two scans over the same fixed inputs produce the same summary.
	run := func() int {
		client := new(MockClient)
		client.On("QueryTransactions", mock.Anything, mock.Anything, mock.Anything).Return([]hypersync.TransactionRecord{
			{Hash: "0xh1", From: testWallet, To: testContract, BlockNumber: 5},
		}, nil)
		noLogs(client)
		s := New(client, testRegistry(), Config{}, nil)
		summary, err := s.Scan(context.Background(), testWallet, Options{ToBlock: 100})
		assert.NoError(t, err)
		return summary.TotalTransactions
	}
	assert.Equal(t, run(), run())
}

func TestScan_ProgressEmission(t *testing.T) {
	contracts := make([]registry.TrackedContract, 3)
	for i := range contracts {
		contracts[i] = registry.TrackedContract{Address: fmt.Sprintf("0x%040d", i+1), DappID: "dapp"}
	}

	client := new(MockClient)
	client.On("QueryTransactions", mock.Anything, mock.Anything, mock.Anything).Return([]hypersync.TransactionRecord{}, nil)
	noLogs(client)

	s := New(client, registry.NewMemoryRegistry(contracts), Config{ProgressEvery: 1, ProgressInterval: time.Hour}, nil)
	updates, unsubscribe := s.Progress().Subscribe()
	defer unsubscribe()

	_, err := s.Scan(context.Background(), testWallet, Options{ToBlock: 100})
	assert.NoError(t, err)

	last := 0
	for i := 0; i < 3; i++ {
		u := <-updates
		assert.Greater(t, u.Current, last, "progress must be monotonic")
		assert.Equal(t, 3, u.Total)
		last = u.Current
	}
	assert.Equal(t, 3, last)
}

func TestWalletInvolved(t *testing.T) {
	s := New(new(MockClient), testRegistry(), Config{}, nil)
	padded := hypersync.PadAddressTopic(testWallet)

	assert.True(t, s.walletInvolved(hypersync.LogRecord{TxFrom: testWallet}, testWallet, padded))
	assert.True(t, s.walletInvolved(hypersync.LogRecord{Topics: [4]string{"", "", "", padded}}, testWallet, padded))
	assert.True(t, s.walletInvolved(hypersync.LogRecord{Data: "0x" + strings.TrimPrefix(testWallet, "0x")}, testWallet, padded))
	assert.False(t, s.walletInvolved(hypersync.LogRecord{TxFrom: otherWallet, Data: "0xdead"}, testWallet, padded))
}

func TestInteractedDappIDs(t *testing.T) {
	client := new(MockClient)
	client.On("QueryTransactions", mock.Anything, mock.Anything, mock.Anything).Return([]hypersync.TransactionRecord{
		{Hash: "0xh1", From: testWallet, To: testContract, BlockNumber: 5},
	}, nil)
	noLogs(client)

	s := New(client, testRegistry(), Config{}, nil)
	ids, err := s.InteractedDappIDs(context.Background(), testWallet, Options{ToBlock: 100})
	assert.NoError(t, err)
	assert.Equal(t, []string{"uniswap"}, ids)
}

func TestHasInteractedWithDapp(t *testing.T) {
	padded := hypersync.PadAddressTopic(testWallet)

	client := new(MockClient)
	client.On("QueryLogs", mock.Anything, mock.MatchedBy(func(f hypersync.LogFilter) bool {
		return isUserLogFilter(f) && len(f.Topics) == 2
	}), mock.Anything).Return([]hypersync.LogRecord{
		{Address: testContract, Topics: [4]string{"0xsig", padded}, TransactionHash: "0xh1", LogIndex: 0, BlockNumber: 9},
	}, nil)
	client.On("QueryLogs", mock.Anything, mock.Anything, mock.Anything).Return([]hypersync.LogRecord{}, nil)

	s := New(client, testRegistry(), Config{}, nil)

	ok, err := s.HasInteractedWithDapp(context.Background(), testWallet, "uniswap", Options{ToBlock: 100})
	assert.NoError(t, err)
	assert.True(t, ok)

	// The direct transaction phase must not run for the membership probe.
	client.AssertNotCalled(t, "QueryTransactions")

	ok, err = s.HasInteractedWithDapp(context.Background(), testWallet, "unknown-dapp", Options{ToBlock: 100})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "scanning_direct", PhaseScanningDirect.String())
	assert.Equal(t, "done", PhaseDone.String())
	assert.Equal(t, "failed", Phase(99).String())
}
