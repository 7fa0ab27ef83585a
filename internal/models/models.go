package models

import "time"

// Peer identifies the ledger node a client talks to.
type Peer struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	MSPID   string `json:"mspid"`
}

// ChannelRef is a channel as listed by the ledger network.
type ChannelRef struct {
	Name string `json:"channel_id"`
}

// Channel represents a logical partition of the ledger.
// Height is the number of the latest committed block.
type Channel struct {
	Name        string `json:"name"`
	Peer        Peer   `json:"peer"`
	Height      uint64 `json:"height"`
	GenesisHash string `json:"genesis_hash,omitempty"`
}

// Transaction types carried by blocks.
const (
	TxTypeConfig              = "CONFIG"
	TxTypeEndorserTransaction = "ENDORSER_TRANSACTION"
)

// LifecycleChaincode is the system chaincode that deploys user chaincodes.
const LifecycleChaincode = "lscc"

// Block represents a committed ledger block.
type Block struct {
	Number       uint64         `json:"number"`
	Hash         string         `json:"hash"`
	PreviousHash string         `json:"previous_hash"`
	DataHash     string         `json:"data_hash"`
	Timestamp    time.Time      `json:"timestamp"`
	Transactions []*Transaction `json:"transactions"`
	Data         []byte         `json:"-"`
}

// IsConfig reports whether the block carries a channel configuration update.
func (b *Block) IsConfig() bool {
	for _, tx := range b.Transactions {
		if tx.Type == TxTypeConfig {
			return true
		}
	}
	return false
}

// Transaction represents a ledger transaction.
type Transaction struct {
	Hash             string    `json:"txhash"`
	Type             string    `json:"type"`
	Chaincode        string    `json:"chaincode"`
	ValidationCode   int       `json:"validation_code"`
	ValidationStatus string    `json:"validation_status"`
	Timestamp        time.Time `json:"timestamp"`
}
