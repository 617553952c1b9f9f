package tests

import (
	"context"
	"time"

	"github.com/peerbits/tradehub/lnclient"
)

const MockNodePubkey = "02f7b87b5b1f1b7a2c5ccb25ce1d1e4e3b7f6d2a1c0e9f8a7b6c5d4e3f2a1b0c9d"

var MockInboundTransaction = lnclient.Transaction{
	Invoice:     "lnbc10u1pmocktradehubinvoice",
	PaymentHash: "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b",
	AmountMsat:  1_000_000,
}

// MockLNClient scripts payment outcomes per attempt. PayInvoiceResults is
// consumed front to back; when it runs out the payment succeeds.
type MockLNClient struct {
	Pubkey            string
	PayInvoiceResults []PayInvoiceResult
	PayInvoiceCalls   []PayInvoiceCall
	TrackStates       []lnclient.PaymentTrackingInfo
	trackCalls        int
	MakeInvoiceErr    error
}

type PayInvoiceResult struct {
	Response *lnclient.PayInvoiceResponse
	Err      error
}

type PayInvoiceCall struct {
	PayReq       string
	AmountMsat   uint64
	FeeLimitMsat uint64
}

func NewMockLNClient() *MockLNClient {
	return &MockLNClient{
		Pubkey: MockNodePubkey,
	}
}

func (mock *MockLNClient) GetPubkey() string {
	return mock.Pubkey
}

func (mock *MockLNClient) PayInvoice(ctx context.Context, payReq string, amountMsat uint64, feeLimitMsat uint64) (*lnclient.PayInvoiceResponse, error) {
	mock.PayInvoiceCalls = append(mock.PayInvoiceCalls, PayInvoiceCall{
		PayReq:       payReq,
		AmountMsat:   amountMsat,
		FeeLimitMsat: feeLimitMsat,
	})

	if len(mock.PayInvoiceResults) == 0 {
		return &lnclient.PayInvoiceResponse{
			Preimage: "0000000000000000000000000000000000000000000000000000000000000001",
			FeeMsat:  1000,
		}, nil
	}

	result := mock.PayInvoiceResults[0]
	mock.PayInvoiceResults = mock.PayInvoiceResults[1:]
	return result.Response, result.Err
}

// TrackPayment walks the scripted states, repeating the last one.
func (mock *MockLNClient) TrackPayment(ctx context.Context, paymentHash string) (*lnclient.PaymentTrackingInfo, error) {
	if len(mock.TrackStates) == 0 {
		return &lnclient.PaymentTrackingInfo{State: lnclient.PAYMENT_TRACK_STATE_PENDING}, nil
	}
	index := mock.trackCalls
	if index >= len(mock.TrackStates) {
		index = len(mock.TrackStates) - 1
	}
	mock.trackCalls++
	info := mock.TrackStates[index]
	return &info, nil
}

func (mock *MockLNClient) MakeInvoice(ctx context.Context, amountMsat uint64, description string, expiry int64) (*lnclient.Transaction, error) {
	if mock.MakeInvoiceErr != nil {
		return nil, mock.MakeInvoiceErr
	}
	expiresAt := time.Now().Add(time.Duration(expiry) * time.Second).Unix()
	return &lnclient.Transaction{
		Invoice:     MockInboundTransaction.Invoice,
		PaymentHash: MockInboundTransaction.PaymentHash,
		AmountMsat:  amountMsat,
		ExpiresAt:   &expiresAt,
	}, nil
}
