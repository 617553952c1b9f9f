package tests

import "context"

type MockChainClient struct {
	FeeRate     float64
	FeeRateErr  error
	SendErr     error
	TxId        string
	SentAddress string
	SentAmount  uint64
	SentFeeRate float64
}

func NewMockChainClient() *MockChainClient {
	return &MockChainClient{
		FeeRate: 12.5,
		TxId:    "f4184fc596403b9d638783cf57adfe4c75c605f6356fbc91338530e9831e9e16",
	}
}

func (mock *MockChainClient) EstimateFeeRate(ctx context.Context) (float64, error) {
	if mock.FeeRateErr != nil {
		return 0, mock.FeeRateErr
	}
	return mock.FeeRate, nil
}

func (mock *MockChainClient) SendToAddress(ctx context.Context, address string, amountSat uint64, feeRateSatPerVByte float64) (string, error) {
	if mock.SendErr != nil {
		return "", mock.SendErr
	}
	mock.SentAddress = address
	mock.SentAmount = amountSat
	mock.SentFeeRate = feeRateSatPerVByte
	return mock.TxId, nil
}
