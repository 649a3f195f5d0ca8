package hypersync

import "strings"

// BlockRange is an inclusive [From, To] span of block numbers over which a
// query is evaluated. The range is resolved once at scan start and never
// re-queried mid-scan, so results stay stable against a moving chain head.
type BlockRange struct {
	From uint64
	To   uint64
}

// TransactionFilter narrows a transaction query by sender and/or recipient.
// Empty fields match any value.
type TransactionFilter struct {
	From string
	To   string
}

// LogFilter narrows a log query by emitting contract and/or positional topics.
// Topics follow eth_getLogs semantics: Topics[i] constrains the i-th topic
// slot, an empty slot matches anything.
type LogFilter struct {
	Addresses []string
	Topics    [][]string

	// IncludeTxFrom asks the backend for the enclosing transaction's sender
	// so each returned log can be attributed to its initiator.
	IncludeTxFrom bool
}

// TransactionRecord is a normalized transaction returned by the indexer.
// Addresses and hashes are canonical lowercase hex.
type TransactionRecord struct {
	Hash        string
	From        string
	To          string
	BlockNumber uint64
	GasUsed     string

	// ContractAddress is the address created by this transaction. Empty for
	// anything that is not a contract creation.
	ContractAddress string
}

// LogRecord is a normalized log returned by the indexer. Topic slots that
// were absent on-chain are empty strings.
type LogRecord struct {
	Address         string
	Topics          [4]string
	Data            string
	BlockNumber     uint64
	TransactionHash string
	LogIndex        uint64

	// TxFrom is the sender of the enclosing transaction, filled only when the
	// query requested it (LogFilter.IncludeTxFrom).
	TxFrom string
}

// PadAddressTopic left-pads a 20-byte address to the 32-byte topic encoding
// used when an address appears as an indexed event parameter.
func PadAddressTopic(address string) string {
	hex := strings.ToLower(strings.TrimPrefix(address, "0x"))
	return "0x" + strings.Repeat("0", 64-len(hex)) + hex
}

// --- Wire format (HyperSync-style JSON query protocol) ---

type wireQuery struct {
	FromBlock      uint64             `json:"from_block"`
	ToBlock        *uint64            `json:"to_block,omitempty"`
	Logs           []wireLogSelection `json:"logs,omitempty"`
	Transactions   []wireTxSelection  `json:"transactions,omitempty"`
	FieldSelection wireFieldSelection `json:"field_selection"`
}

type wireLogSelection struct {
	Address []string   `json:"address,omitempty"`
	Topics  [][]string `json:"topics,omitempty"`
}

type wireTxSelection struct {
	From []string `json:"from,omitempty"`
	To   []string `json:"to,omitempty"`
}

type wireFieldSelection struct {
	Block       []string `json:"block,omitempty"`
	Transaction []string `json:"transaction,omitempty"`
	Log         []string `json:"log,omitempty"`
}

type wireResponse struct {
	Data          []wireBatch `json:"data"`
	NextBlock     uint64      `json:"next_block"`
	ArchiveHeight uint64      `json:"archive_height"`
}

type wireBatch struct {
	Logs         []wireLog         `json:"logs"`
	Transactions []wireTransaction `json:"transactions"`
}

type wireTransaction struct {
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	BlockNumber     uint64 `json:"block_number"`
	GasUsed         string `json:"gas_used"`
	ContractAddress string `json:"contract_address"`
}

type wireLog struct {
	Address         string `json:"address"`
	Topic0          string `json:"topic0"`
	Topic1          string `json:"topic1"`
	Topic2          string `json:"topic2"`
	Topic3          string `json:"topic3"`
	Data            string `json:"data"`
	BlockNumber     uint64 `json:"block_number"`
	TransactionHash string `json:"transaction_hash"`
	LogIndex        uint64 `json:"log_index"`
}
