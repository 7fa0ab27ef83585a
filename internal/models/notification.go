package models

import "time"

// NotificationType tags a Notification. Values match the wire codes used by
// downstream consumers.
type NotificationType int

const (
	NotifyNewChannel NotificationType = iota + 1
	NotifyUpdateChannel
	NotifyChaincode
	NotifyBlock
	NotifyExistChannel
	NotifyClientError
	NotifyTransaction
)

func (t NotificationType) String() string {
	switch t {
	case NotifyNewChannel:
		return "new_channel"
	case NotifyUpdateChannel:
		return "update_channel"
	case NotifyChaincode:
		return "chaincode"
	case NotifyBlock:
		return "block"
	case NotifyExistChannel:
		return "exist_channel"
	case NotifyClientError:
		return "client_error"
	case NotifyTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}

// TxStatus is the minimal transaction status message sent to the
// notification transport.
type TxStatus struct {
	TxHash           string `json:"txhash"`
	ValidationStatus string `json:"valid_status"`
	ValidationCode   int    `json:"valid_code"`
}

// BlockNotice summarises a newly persisted block.
type BlockNotice struct {
	Number  uint64 `json:"number"`
	Hash    string `json:"hash"`
	TxCount int    `json:"tx_count"`
}

// Notification is an outbound fact about a sync-relevant state change.
type Notification struct {
	Type      NotificationType `json:"notify_type"`
	Channel   string           `json:"channel,omitempty"`
	Block     *BlockNotice     `json:"block,omitempty"`
	Chaincode string           `json:"chaincode,omitempty"`
	Tx        *TxStatus        `json:"txobj,omitempty"`
	Error     string           `json:"error,omitempty"`
	Time      time.Time        `json:"time"`
}
