package types

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrMissingParty   = errors.New("sender_id and receiver_id are required")
	ErrNegativeAmount = errors.New("amount must not be negative")
)

// Transaction 交易窗口期间提交的转账记录，不做余额校验
type Transaction struct {
	TxID       string          `json:"tx_id,omitempty"`
	Index      uint64          `json:"index"`
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	Amount     decimal.Decimal `json:"amount"`
	Round      uint64          `json:"round,omitempty"`
	ReceivedAt int64           `json:"received_at,omitempty"`
}

func (tx *Transaction) Validate() error {
	if tx.SenderID == "" || tx.ReceiverID == "" {
		return ErrMissingParty
	}
	if tx.Amount.IsNegative() {
		return ErrNegativeAmount
	}
	return nil
}
