package lnclient

import (
	"context"
	"fmt"
)

// FailureReason classifies why an outgoing payment attempt failed.
// The set is closed; consumers switch over it exhaustively.
type FailureReason string

const (
	FailureReasonNone                     FailureReason = "NOT_YET_FAILED"
	FailureReasonRoutesExhaustedTimeout   FailureReason = "ROUTES_EXHAUSTED_TIMEOUT"
	FailureReasonRoutesExhaustedPermanent FailureReason = "ROUTES_EXHAUSTED_PERMANENT"
	FailureReasonNonRecoverableError      FailureReason = "NON_RECOVERABLE_ERROR"
	FailureReasonInvalidPaymentDetails    FailureReason = "INVALID_PAYMENT_DETAILS"
	FailureReasonInsufficientNodeBalance  FailureReason = "INSUFFICIENT_NODE_BALANCE"
)

// Retryable reports whether another attempt with relaxed pathfinding can
// succeed. Non-recoverable errors, bad payment details and a drained node
// are surfaced immediately.
func (r FailureReason) Retryable() bool {
	switch r {
	case FailureReasonRoutesExhaustedTimeout, FailureReasonRoutesExhaustedPermanent:
		return true
	case FailureReasonNone, FailureReasonNonRecoverableError,
		FailureReasonInvalidPaymentDetails, FailureReasonInsufficientNodeBalance:
		return false
	}
	return false
}

type PaymentError struct {
	Reason  FailureReason
	Message string
}

func (err *PaymentError) Error() string {
	if err.Message == "" {
		return string(err.Reason)
	}
	return fmt.Sprintf("%s: %s", err.Reason, err.Message)
}

func NewPaymentError(reason FailureReason, message string) *PaymentError {
	return &PaymentError{Reason: reason, Message: message}
}

type PayInvoiceResponse struct {
	Preimage string
	FeeMsat  uint64
}

const (
	PAYMENT_TRACK_STATE_PENDING = "PENDING"
	PAYMENT_TRACK_STATE_SETTLED = "SETTLED"
	PAYMENT_TRACK_STATE_FAILED  = "FAILED"
)

type PaymentTrackingInfo struct {
	State         string
	Preimage      string
	FeeMsat       uint64
	FailureReason FailureReason
}

type Transaction struct {
	Invoice     string
	PaymentHash string
	Preimage    string
	AmountMsat  uint64
	ExpiresAt   *int64
}

// LNClient is the node collaborator behind the payment manager. Payment
// failures are returned as *PaymentError so callers can classify them.
type LNClient interface {
	PayInvoice(ctx context.Context, payReq string, amountMsat uint64, feeLimitMsat uint64) (*PayInvoiceResponse, error)
	TrackPayment(ctx context.Context, paymentHash string) (*PaymentTrackingInfo, error)
	MakeInvoice(ctx context.Context, amountMsat uint64, description string, expiry int64) (*Transaction, error)
	GetPubkey() string
}
