package swaps

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/peerbits/tradehub/chain"
	"github.com/peerbits/tradehub/config"
	"github.com/peerbits/tradehub/constants"
	"github.com/peerbits/tradehub/db"
	"github.com/peerbits/tradehub/logger"
	"github.com/peerbits/tradehub/metrics"
	"gorm.io/gorm"
)

type swapsService struct {
	db          *gorm.DB
	cfg         config.Config
	chainClient chain.ChainClient
}

type OnchainPayment = db.OnchainPayment

type SwapsService interface {
	Quote(ctx context.Context, orderId uint) (*SwapQuote, error)
	Broadcast(ctx context.Context, orderId uint, chosenFeeRate float64) (*OnchainPayment, error)
	GetSwap(orderId uint) (*OnchainPayment, error)
}

type SwapQuote struct {
	SwapFeeRate            float64 `json:"swapFeeRate"`
	SuggestedMiningFeeRate float64 `json:"suggestedMiningFeeRate"`
	AmountSat              uint64  `json:"amountSat"`
}

type feeRateOutOfRangeError struct {
	feeRate float64
}

func NewFeeRateOutOfRangeError(feeRate float64) error {
	return &feeRateOutOfRangeError{feeRate: feeRate}
}

func (err *feeRateOutOfRangeError) Error() string {
	return fmt.Sprintf("mining fee rate %.3f outside of [%d, %d]", err.feeRate, constants.MIN_MINING_FEE_RATE, constants.MAX_MINING_FEE_RATE)
}

func NewSwapsService(gormDB *gorm.DB, cfg config.Config, chainClient chain.ChainClient) *swapsService {
	return &swapsService{
		db:          gormDB,
		cfg:         cfg,
		chainClient: chainClient,
	}
}

// Quote refreshes the suggested mining fee rate from the fee estimator and
// records it alongside the fixed service fee on the order's swap record.
func (svc *swapsService) Quote(ctx context.Context, orderId uint) (*SwapQuote, error) {
	var order db.Order
	result := svc.db.Limit(1).Find(&order, &db.Order{ID: orderId})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, errors.New("order not found")
	}
	if order.PayoutAddress == "" {
		return nil, errors.New("order has no payout address")
	}

	estimated, err := svc.chainClient.EstimateFeeRate(ctx)
	if err != nil {
		logger.Logger.Error().Err(err).
			Uint("order_id", orderId).
			Msg("Failed to estimate mining fee rate")
		return nil, err
	}
	suggested := clampFeeRate(estimated)

	swapFeeRate := roundTo(svc.cfg.GetEnv().SwapServiceFeeRate, 2)
	amountSat := order.AmountMsat / 1000
	amountSat -= uint64(math.Ceil(float64(amountSat) * swapFeeRate / 100))

	var swap db.OnchainPayment
	err = svc.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Limit(1).Find(&swap, &db.OnchainPayment{OrderId: orderId})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			swap = db.OnchainPayment{
				OrderId:                orderId,
				Address:                order.PayoutAddress,
				AmountSat:              amountSat,
				SwapFeeRate:            swapFeeRate,
				SuggestedMiningFeeRate: suggested,
			}
			return tx.Create(&swap).Error
		}
		if swap.Broadcasted {
			// a broadcast swap is immutable apart from the flag flip
			return nil
		}
		return tx.Model(&swap).Updates(map[string]interface{}{
			"suggested_mining_fee_rate": suggested,
			"amount_sat":                amountSat,
			"swap_fee_rate":             swapFeeRate,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	return &SwapQuote{
		SwapFeeRate:            swap.SwapFeeRate,
		SuggestedMiningFeeRate: swap.SuggestedMiningFeeRate,
		AmountSat:              swap.AmountSat,
	}, nil
}

// Broadcast submits the swap-out through the node collaborator. The
// broadcasted flag flips only once the node accepted the transaction into
// its mempool.
func (svc *swapsService) Broadcast(ctx context.Context, orderId uint, chosenFeeRate float64) (*OnchainPayment, error) {
	if chosenFeeRate < constants.MIN_MINING_FEE_RATE || chosenFeeRate > constants.MAX_MINING_FEE_RATE {
		return nil, NewFeeRateOutOfRangeError(chosenFeeRate)
	}
	chosenFeeRate = roundTo(chosenFeeRate, 3)

	var swap db.OnchainPayment
	result := svc.db.Limit(1).Find(&swap, &db.OnchainPayment{OrderId: orderId})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, errors.New("no swap quote exists for this order")
	}
	if swap.Broadcasted {
		return nil, errors.New("swap-out already broadcast")
	}

	txId, err := svc.chainClient.SendToAddress(ctx, swap.Address, swap.AmountSat, chosenFeeRate)
	if err != nil {
		logger.Logger.Error().Err(err).
			Uint("order_id", orderId).
			Float64("fee_rate", chosenFeeRate).
			Msg("Swap-out broadcast rejected by node")
		metrics.SwapBroadcasts.WithLabelValues("rejected").Inc()

		var rejectedErr *chain.BroadcastRejectedError
		if errors.As(err, &rejectedErr) {
			return nil, err
		}
		return nil, chain.NewBroadcastRejectedError(err.Error())
	}

	err = svc.db.Model(&swap).Updates(map[string]interface{}{
		"mining_fee_rate": chosenFeeRate,
		"tx_id":           txId,
		"broadcasted":     true,
	}).Error
	if err != nil {
		logger.Logger.Error().Err(err).
			Uint("order_id", orderId).
			Str("tx_id", txId).
			Msg("Failed to record broadcast swap-out")
		return nil, err
	}

	logger.Logger.Info().
		Uint("order_id", orderId).
		Str("tx_id", txId).
		Float64("fee_rate", chosenFeeRate).
		Msg("Broadcast swap-out accepted into mempool")
	metrics.SwapBroadcasts.WithLabelValues("accepted").Inc()

	return &swap, nil
}

func (svc *swapsService) GetSwap(orderId uint) (*OnchainPayment, error) {
	var swap db.OnchainPayment
	result := svc.db.Limit(1).Find(&swap, &db.OnchainPayment{OrderId: orderId})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, errors.New("no swap exists for this order")
	}
	return &swap, nil
}

func clampFeeRate(rate float64) float64 {
	rate = roundTo(rate, 3)
	if rate < constants.MIN_MINING_FEE_RATE {
		return constants.MIN_MINING_FEE_RATE
	}
	if rate > constants.MAX_MINING_FEE_RATE {
		return constants.MAX_MINING_FEE_RATE
	}
	return rate
}

func roundTo(value float64, decimals int) float64 {
	factor := math.Pow(10, float64(decimals))
	return math.Round(value*factor) / factor
}
