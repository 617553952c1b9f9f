package chain

import (
	"context"
	"fmt"
)

// ChainClient is the on-chain node collaborator used for swap-outs.
// SendToAddress returns the txid once the node accepted the transaction
// into its mempool; confirmation is not awaited.
type ChainClient interface {
	EstimateFeeRate(ctx context.Context) (float64, error)
	SendToAddress(ctx context.Context, address string, amountSat uint64, feeRateSatPerVByte float64) (string, error)
}

type BroadcastRejectedError struct {
	Reason string
}

func (err *BroadcastRejectedError) Error() string {
	return fmt.Sprintf("transaction broadcast rejected: %s", err.Reason)
}

func NewBroadcastRejectedError(reason string) *BroadcastRejectedError {
	return &BroadcastRejectedError{Reason: reason}
}
