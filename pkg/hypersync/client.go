package hypersync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"
)

var txFields = []string{"hash", "from", "to", "block_number", "gas_used", "contract_address"}

var logFields = []string{
	"address", "topic0", "topic1", "topic2", "topic3",
	"data", "block_number", "transaction_hash", "log_index",
}

// Config holds the settings for the HTTP indexer client.
type Config struct {
	// URL is the base address of the HyperSync-style query endpoint.
	URL string `mapstructure:"url"`

	// RPCFallbackURL is an optional JSON-RPC endpoint used only for
	// eth_blockNumber when the indexer reports no usable height.
	RPCFallbackURL string `mapstructure:"rpc_fallback_url"`

	// FallbackHeight seeds the last-known-good height before the first
	// successful height query.
	FallbackHeight uint64 `mapstructure:"fallback_height"`

	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`

	// MaxQPS caps the request rate against the backend. Zero disables the
	// limiter.
	MaxQPS int `mapstructure:"max_qps"`
}

// HTTPClient implements Client over the HyperSync JSON query protocol.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	height     HeightClient

	lastGoodHeight uint64
}

// NewClient initializes the indexer client. The RPC fallback connection is
// established lazily-best-effort: an unreachable fallback endpoint does not
// fail construction, it just disables the secondary height source.
func NewClient(ctx context.Context, cfg Config) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("hypersync: no endpoint url configured")
	}

	var height HeightClient
	if cfg.RPCFallbackURL != "" {
		ec, err := ethclient.DialContext(ctx, cfg.RPCFallbackURL)
		if err != nil {
			log.Warn("RPC fallback unavailable, height failover disabled", "url", cfg.RPCFallbackURL, "err", err)
		} else {
			height = ec
		}
	}

	return NewClientWithHeight(cfg, height), nil
}

// NewClientWithHeight initializes the client with a pre-created height source
// (for testing or advanced usage).
func NewClientWithHeight(cfg Config, height HeightClient) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.MaxQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxQPS), cfg.MaxQPS)
	}

	return &HTTPClient{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		limiter:        limiter,
		height:         height,
		lastGoodHeight: cfg.FallbackHeight,
	}
}

// QueryTransactions retrieves transactions matching the filter within the range.
func (c *HTTPClient) QueryTransactions(ctx context.Context, filter TransactionFilter, r BlockRange) ([]TransactionRecord, error) {
	sel := wireTxSelection{}
	if filter.From != "" {
		sel.From = []string{strings.ToLower(filter.From)}
	}
	if filter.To != "" {
		sel.To = []string{strings.ToLower(filter.To)}
	}

	to := r.To
	q := wireQuery{
		FromBlock:    r.From,
		ToBlock:      &to,
		Transactions: []wireTxSelection{sel},
		FieldSelection: wireFieldSelection{
			Transaction: txFields,
		},
	}

	resp, err := c.post(ctx, q)
	if err != nil {
		return nil, err
	}

	var txs []TransactionRecord
	for _, batch := range resp.Data {
		for _, wt := range batch.Transactions {
			if wt.Hash == "" {
				// Malformed record, drop rather than fail the query.
				log.Warn("Dropping transaction without hash", "block", wt.BlockNumber)
				continue
			}
			txs = append(txs, TransactionRecord{
				Hash:            strings.ToLower(wt.Hash),
				From:            strings.ToLower(wt.From),
				To:              strings.ToLower(wt.To),
				BlockNumber:     wt.BlockNumber,
				GasUsed:         wt.GasUsed,
				ContractAddress: strings.ToLower(wt.ContractAddress),
			})
		}
	}
	return txs, nil
}

// QueryLogs retrieves logs matching the filter within the range. When the
// filter requests transaction senders, logs are joined with the transactions
// returned alongside them.
func (c *HTTPClient) QueryLogs(ctx context.Context, filter LogFilter, r BlockRange) ([]LogRecord, error) {
	sel := wireLogSelection{Topics: filter.Topics}
	for _, a := range filter.Addresses {
		sel.Address = append(sel.Address, strings.ToLower(a))
	}

	to := r.To
	q := wireQuery{
		FromBlock: r.From,
		ToBlock:   &to,
		Logs:      []wireLogSelection{sel},
		FieldSelection: wireFieldSelection{
			Log: logFields,
		},
	}
	if filter.IncludeTxFrom {
		q.FieldSelection.Transaction = []string{"hash", "from"}
	}

	resp, err := c.post(ctx, q)
	if err != nil {
		return nil, err
	}

	var logs []LogRecord
	for _, batch := range resp.Data {
		// Index senders by tx hash so each log can carry its initiator.
		senders := make(map[string]string, len(batch.Transactions))
		for _, wt := range batch.Transactions {
			if wt.Hash != "" {
				senders[strings.ToLower(wt.Hash)] = strings.ToLower(wt.From)
			}
		}

		for _, wl := range batch.Logs {
			if wl.Address == "" || wl.TransactionHash == "" {
				log.Warn("Dropping malformed log record", "block", wl.BlockNumber)
				continue
			}
			rec := LogRecord{
				Address: strings.ToLower(wl.Address),
				Topics: [4]string{
					strings.ToLower(wl.Topic0),
					strings.ToLower(wl.Topic1),
					strings.ToLower(wl.Topic2),
					strings.ToLower(wl.Topic3),
				},
				Data:            strings.ToLower(wl.Data),
				BlockNumber:     wl.BlockNumber,
				TransactionHash: strings.ToLower(wl.TransactionHash),
				LogIndex:        wl.LogIndex,
			}
			if filter.IncludeTxFrom {
				rec.TxFrom = senders[rec.TransactionHash]
			}
			logs = append(logs, rec)
		}
	}
	return logs, nil
}

// CurrentHeight returns the best-known chain height, trying the indexer
// first, then the RPC fallback, then the last known good value.
func (c *HTTPClient) CurrentHeight(ctx context.Context) uint64 {
	// 1. Ask the indexer. A minimal query returns the archive height without
	// transferring any block data.
	q := wireQuery{
		FromBlock:      0,
		FieldSelection: wireFieldSelection{Block: []string{"number"}},
	}
	if resp, err := c.post(ctx, q); err == nil {
		h := resp.ArchiveHeight
		if h == 0 {
			h = resp.NextBlock
		}
		if h > 0 {
			atomic.StoreUint64(&c.lastGoodHeight, h)
			return h
		}
	} else {
		log.Warn("Indexer height query failed, trying RPC fallback", "err", err)
	}

	// 2. RPC failover.
	if c.height != nil {
		if h, err := c.height.BlockNumber(ctx); err == nil && h > 0 {
			atomic.StoreUint64(&c.lastGoodHeight, h)
			return h
		}
	}

	// 3. Height is advisory, not correctness-critical: degrade to the last
	// value that worked instead of failing the scan.
	h := atomic.LoadUint64(&c.lastGoodHeight)
	log.Warn("All height sources failed, using last known good", "height", h)
	return h
}

// Close releases the RPC fallback connection, if any.
func (c *HTTPClient) Close() {
	if ec, ok := c.height.(*ethclient.Client); ok {
		ec.Close()
	}
}

// post executes one query with retry and exponential backoff.
func (c *HTTPClient) post(ctx context.Context, q wireQuery) (*wireResponse, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}

	var lastErr error
	backoff := c.cfg.InitialBackoff

	for i := 0; i < c.cfg.MaxAttempts; i++ {
		if i > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("hypersync query failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *HTTPClient) attempt(ctx context.Context, body []byte) (*wireResponse, error) {
	url := strings.TrimSuffix(c.cfg.URL, "/") + "/query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dapp-scout/v1")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d", httpResp.StatusCode)
	}

	var resp wireResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}
