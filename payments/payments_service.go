package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/peerbits/tradehub/constants"
	"github.com/peerbits/tradehub/db"
	"github.com/peerbits/tradehub/events"
	"github.com/peerbits/tradehub/lnclient"
	"github.com/peerbits/tradehub/logger"
	"github.com/peerbits/tradehub/metrics"
	"gorm.io/gorm"
)

type paymentsService struct {
	db             *gorm.DB
	eventPublisher events.EventPublisher
	lnClient       lnclient.LNClient
}

type LnPayment = db.LnPayment

type PaymentsService interface {
	PayOut(ctx context.Context, orderId uint, robotId uint, payReq string, amountMsat uint64, routingBudgetPpm uint32, routingBudgetMsat uint64) (*LnPayment, error)
	CollectIn(ctx context.Context, orderId uint, robotId uint, amountMsat uint64, description string) (*LnPayment, error)
	LookupPayment(orderId uint, direction string) (*LnPayment, error)
}

type notFoundError struct {
}

func NewNotFoundError() error {
	return &notFoundError{}
}

func (err *notFoundError) Error() string {
	return "The payment requested was not found"
}

type paymentConflictError struct {
}

func NewPaymentConflictError() error {
	return &paymentConflictError{}
}

func (err *paymentConflictError) Error() string {
	return "There is already a payment in flight for this order and direction"
}

type invalidBudgetError struct {
}

func NewInvalidBudgetError() error {
	return &invalidBudgetError{}
}

func (err *invalidBudgetError) Error() string {
	return fmt.Sprintf("routing budget ppm must be within [0, %d]", constants.MAX_ROUTING_BUDGET_PPM)
}

// Prevent races when checking for in-flight payments and creating payment
// records from concurrent goroutines.
var paymentValidationLock = &sync.Mutex{}

// fee-limit fractions tried in order; each retry relaxes pathfinding by
// allowing a larger share of the routing budget
var pathfindingSteps = []uint64{4, 2, 1}

var trackPaymentInterval = 2 * time.Second

func NewPaymentsService(gormDB *gorm.DB, eventPublisher events.EventPublisher, lnClient lnclient.LNClient) *paymentsService {
	return &paymentsService{
		db:             gormDB,
		eventPublisher: eventPublisher,
		lnClient:       lnClient,
	}
}

// PayOut settles an outgoing payout for the order. Route failures are retried
// with relaxed pathfinding while the fee stays within both the ppm and the
// absolute budget caps; non-recoverable failures are surfaced immediately.
func (svc *paymentsService) PayOut(ctx context.Context, orderId uint, robotId uint, payReq string, amountMsat uint64, routingBudgetPpm uint32, routingBudgetMsat uint64) (*LnPayment, error) {
	if routingBudgetPpm > constants.MAX_ROUTING_BUDGET_PPM {
		return nil, NewInvalidBudgetError()
	}

	payReq = strings.ToLower(payReq)
	paymentRequest, err := decodepay.Decodepay(payReq)
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("bolt11", payReq).
			Msg("Failed to decode bolt11 invoice")
		return svc.createFailedPayment(orderId, robotId, payReq, "", amountMsat, routingBudgetPpm, routingBudgetMsat,
			lnclient.NewPaymentError(lnclient.FailureReasonInvalidPaymentDetails, "invalid bolt11 invoice"))
	}

	if time.Now().After(time.Unix(int64(paymentRequest.CreatedAt)+int64(paymentRequest.Expiry), 0)) {
		logger.Logger.Error().
			Str("bolt11", payReq).
			Msg("payout invoice has expired")
		return svc.createFailedPayment(orderId, robotId, payReq, paymentRequest.PaymentHash, amountMsat, routingBudgetPpm, routingBudgetMsat,
			lnclient.NewPaymentError(lnclient.FailureReasonInvalidPaymentDetails, "payout invoice has expired"))
	}

	if paymentRequest.MSatoshi > 0 && uint64(paymentRequest.MSatoshi) != amountMsat {
		return svc.createFailedPayment(orderId, robotId, payReq, paymentRequest.PaymentHash, amountMsat, routingBudgetPpm, routingBudgetMsat,
			lnclient.NewPaymentError(lnclient.FailureReasonInvalidPaymentDetails, "invoice amount does not match payout amount"))
	}

	feeLimitMsat := budgetMsat(amountMsat, routingBudgetPpm, routingBudgetMsat)

	var dbPayment db.LnPayment
	err = func() error {
		paymentValidationLock.Lock()
		defer paymentValidationLock.Unlock()
		return svc.db.Transaction(func(tx *gorm.DB) error {
			if err := checkNoActivePayment(tx, orderId, constants.PAYMENT_DIRECTION_OUTGOING); err != nil {
				return err
			}

			dbPayment = db.LnPayment{
				OrderId:           orderId,
				RobotId:           robotId,
				Direction:         constants.PAYMENT_DIRECTION_OUTGOING,
				State:             constants.PAYMENT_STATE_PENDING,
				AmountMsat:        amountMsat,
				FeeReserveMsat:    feeLimitMsat,
				PaymentRequest:    payReq,
				PaymentHash:       paymentRequest.PaymentHash,
				Description:       paymentRequest.Description,
				RoutingBudgetPpm:  routingBudgetPpm,
				RoutingBudgetMsat: routingBudgetMsat,
				FailureReason:     string(lnclient.FailureReasonNone),
			}
			return tx.Create(&dbPayment).Error
		})
	}()
	if err != nil {
		logger.Logger.Error().Err(err).
			Uint("order_id", orderId).
			Msg("Failed to create DB payment")
		return nil, err
	}

	metrics.PaymentsAttempted.WithLabelValues(constants.PAYMENT_DIRECTION_OUTGOING).Inc()

	logger.Logger.Debug().
		Uint("order_id", orderId).
		Uint64("amount_msat", amountMsat).
		Uint64("fee_limit_msat", feeLimitMsat).
		Msg("Initiating payout")

	response, payErr := svc.attemptWithRelaxedPathfinding(ctx, payReq, amountMsat, feeLimitMsat)
	if payErr != nil {
		// a payment stuck in pending would block the order's direction
		// forever, so a failed bookkeeping write must be surfaced
		txErr := svc.db.Transaction(func(tx *gorm.DB) error {
			return svc.markPaymentFailed(tx, &dbPayment, payErr)
		})
		if txErr != nil {
			logger.Logger.Error().Err(txErr).
				Str("payment_hash", dbPayment.PaymentHash).
				Msg("Failed to record payment failure")
		}
		return nil, payErr
	}

	var settledPayment *db.LnPayment
	err = svc.db.Transaction(func(tx *gorm.DB) error {
		settledPayment, err = svc.markPaymentSettled(tx, &dbPayment, response.Preimage, response.FeeMsat)
		return err
	})
	if err != nil {
		return nil, err
	}

	return settledPayment, nil
}

// attemptWithRelaxedPathfinding walks the fee-limit steps up to the full
// budget. Only route exhaustion is retried; every other failure is terminal.
func (svc *paymentsService) attemptWithRelaxedPathfinding(ctx context.Context, payReq string, amountMsat uint64, feeLimitMsat uint64) (*lnclient.PayInvoiceResponse, error) {
	var lastErr error
	var lastLimit *uint64
	for _, divisor := range pathfindingSteps {
		stepLimit := feeLimitMsat / divisor
		if lastLimit != nil && stepLimit == *lastLimit {
			continue
		}
		limit := stepLimit
		lastLimit = &limit

		response, err := svc.lnClient.PayInvoice(ctx, payReq, amountMsat, stepLimit)
		if err == nil {
			return response, nil
		}
		lastErr = err

		var paymentErr *lnclient.PaymentError
		if !errors.As(err, &paymentErr) || !paymentErr.Reason.Retryable() {
			return nil, err
		}

		logger.Logger.Debug().
			Uint64("fee_limit_msat", stepLimit).
			Str("reason", string(paymentErr.Reason)).
			Msg("Route failure within budget, relaxing pathfinding")
	}
	return nil, lastErr
}

// CollectIn issues an invoice for inbound collateral and blocks until it
// settles, fails, or the context deadline passes.
func (svc *paymentsService) CollectIn(ctx context.Context, orderId uint, robotId uint, amountMsat uint64, description string) (*LnPayment, error) {
	lnClientTransaction, err := svc.lnClient.MakeInvoice(ctx, amountMsat, description, 3600)
	if err != nil {
		logger.Logger.Error().Err(err).
			Uint("order_id", orderId).
			Msg("Failed to create collateral invoice")
		return nil, err
	}

	var expiresAt *time.Time
	if lnClientTransaction.ExpiresAt != nil {
		expiresAtValue := time.Unix(*lnClientTransaction.ExpiresAt, 0)
		expiresAt = &expiresAtValue
	}

	var dbPayment db.LnPayment
	err = func() error {
		paymentValidationLock.Lock()
		defer paymentValidationLock.Unlock()
		return svc.db.Transaction(func(tx *gorm.DB) error {
			if err := checkNoActivePayment(tx, orderId, constants.PAYMENT_DIRECTION_INCOMING); err != nil {
				return err
			}

			dbPayment = db.LnPayment{
				OrderId:        orderId,
				RobotId:        robotId,
				Direction:      constants.PAYMENT_DIRECTION_INCOMING,
				State:          constants.PAYMENT_STATE_PENDING,
				AmountMsat:     amountMsat,
				PaymentRequest: lnClientTransaction.Invoice,
				PaymentHash:    lnClientTransaction.PaymentHash,
				Description:    description,
				ExpiresAt:      expiresAt,
				FailureReason:  string(lnclient.FailureReasonNone),
			}
			return tx.Create(&dbPayment).Error
		})
	}()
	if err != nil {
		return nil, err
	}

	metrics.PaymentsAttempted.WithLabelValues(constants.PAYMENT_DIRECTION_INCOMING).Inc()

	return svc.awaitInboundSettlement(ctx, &dbPayment)
}

func (svc *paymentsService) awaitInboundSettlement(ctx context.Context, dbPayment *db.LnPayment) (*LnPayment, error) {
	ticker := time.NewTicker(trackPaymentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			timeoutErr := lnclient.NewPaymentError(lnclient.FailureReasonRoutesExhaustedTimeout, "collateral invoice was not paid in time")
			txErr := svc.db.Transaction(func(tx *gorm.DB) error {
				return svc.markPaymentFailed(tx, dbPayment, timeoutErr)
			})
			if txErr != nil {
				logger.Logger.Error().Err(txErr).
					Str("payment_hash", dbPayment.PaymentHash).
					Msg("Failed to record payment failure")
			}
			return nil, timeoutErr
		case <-ticker.C:
			trackingInfo, err := svc.lnClient.TrackPayment(ctx, dbPayment.PaymentHash)
			if err != nil {
				logger.Logger.Error().Err(err).
					Str("payment_hash", dbPayment.PaymentHash).
					Msg("Failed to track inbound payment")
				continue
			}

			switch trackingInfo.State {
			case lnclient.PAYMENT_TRACK_STATE_SETTLED:
				var settledPayment *db.LnPayment
				err = svc.db.Transaction(func(tx *gorm.DB) error {
					settledPayment, err = svc.markPaymentSettled(tx, dbPayment, trackingInfo.Preimage, 0)
					return err
				})
				if err != nil {
					return nil, err
				}
				return settledPayment, nil
			case lnclient.PAYMENT_TRACK_STATE_FAILED:
				failureErr := lnclient.NewPaymentError(trackingInfo.FailureReason, "inbound payment failed")
				txErr := svc.db.Transaction(func(tx *gorm.DB) error {
					return svc.markPaymentFailed(tx, dbPayment, failureErr)
				})
				if txErr != nil {
					logger.Logger.Error().Err(txErr).
						Str("payment_hash", dbPayment.PaymentHash).
						Msg("Failed to record payment failure")
				}
				return nil, failureErr
			}
		}
	}
}

func (svc *paymentsService) LookupPayment(orderId uint, direction string) (*LnPayment, error) {
	var payment db.LnPayment
	// settled first, otherwise latest, as an order can accumulate multiple
	// failed records for the same direction over retries
	result := svc.db.Order("settled_at desc, created_at desc").Limit(1).Find(&payment, &db.LnPayment{
		OrderId:   orderId,
		Direction: direction,
	})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, NewNotFoundError()
	}
	return &payment, nil
}

func checkNoActivePayment(tx *gorm.DB, orderId uint, direction string) error {
	var existing db.LnPayment
	if tx.Limit(1).Find(&existing, &db.LnPayment{
		OrderId:   orderId,
		Direction: direction,
		State:     constants.PAYMENT_STATE_PENDING,
	}).RowsAffected > 0 {
		return NewPaymentConflictError()
	}
	if tx.Limit(1).Find(&existing, &db.LnPayment{
		OrderId:   orderId,
		Direction: direction,
		State:     constants.PAYMENT_STATE_SETTLED,
	}).RowsAffected > 0 {
		return errors.New("this order already has a settled payment for this direction")
	}
	return nil
}

// createFailedPayment records a payout rejected before it ever reached the
// node. The record is born failed in a single insert; a transient pending
// record would conflict with a later retry for the same direction.
func (svc *paymentsService) createFailedPayment(orderId uint, robotId uint, payReq string, paymentHash string, amountMsat uint64, routingBudgetPpm uint32, routingBudgetMsat uint64, payErr *lnclient.PaymentError) (*LnPayment, error) {
	dbPayment := db.LnPayment{
		OrderId:           orderId,
		RobotId:           robotId,
		Direction:         constants.PAYMENT_DIRECTION_OUTGOING,
		State:             constants.PAYMENT_STATE_FAILED,
		AmountMsat:        amountMsat,
		PaymentRequest:    payReq,
		PaymentHash:       paymentHash,
		RoutingBudgetPpm:  routingBudgetPpm,
		RoutingBudgetMsat: routingBudgetMsat,
		FailureReason:     string(payErr.Reason),
	}
	err := svc.db.Create(&dbPayment).Error
	if err != nil {
		logger.Logger.Error().Err(err).
			Uint("order_id", orderId).
			Msg("Failed to record rejected payout")
		return nil, err
	}

	metrics.PaymentsFailed.WithLabelValues(dbPayment.Direction, string(payErr.Reason)).Inc()

	svc.eventPublisher.Publish(&events.Event{
		Event:      constants.PAYMENT_EVENT_FAILED,
		Properties: &dbPayment,
	})
	return nil, payErr
}

func (svc *paymentsService) markPaymentSettled(tx *gorm.DB, dbPayment *db.LnPayment, preimage string, feeMsat uint64) (*db.LnPayment, error) {
	if dbPayment.Direction == constants.PAYMENT_DIRECTION_OUTGOING && preimage == "" {
		return nil, errors.New("no preimage in payment")
	}

	var existingSettled db.LnPayment
	if tx.Limit(1).Find(&existingSettled, &db.LnPayment{
		OrderId:   dbPayment.OrderId,
		Direction: dbPayment.Direction,
		State:     constants.PAYMENT_STATE_SETTLED,
	}).RowsAffected > 0 {
		logger.Logger.Debug().Str("payment_hash", dbPayment.PaymentHash).Msg("payment already marked as settled")
		return &existingSettled, nil
	}

	now := time.Now()
	err := tx.Model(dbPayment).Updates(map[string]interface{}{
		"state":            constants.PAYMENT_STATE_SETTLED,
		"preimage":         &preimage,
		"fee_msat":         feeMsat,
		"fee_reserve_msat": 0,
		"settled_at":       &now,
	}).Error
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("payment_hash", dbPayment.PaymentHash).
			Msg("Failed to update DB payment")
		return nil, err
	}

	logger.Logger.Info().
		Str("payment_hash", dbPayment.PaymentHash).
		Str("direction", dbPayment.Direction).
		Uint64("fee_msat", feeMsat).
		Msg("Marked payment as settled")

	metrics.PaymentsSettled.WithLabelValues(dbPayment.Direction).Inc()
	if dbPayment.Direction == constants.PAYMENT_DIRECTION_OUTGOING {
		metrics.RoutingFeesPaidMsat.Add(float64(feeMsat))
	}

	svc.eventPublisher.Publish(&events.Event{
		Event:      constants.PAYMENT_EVENT_SETTLED,
		Properties: dbPayment,
	})

	return dbPayment, nil
}

func (svc *paymentsService) markPaymentFailed(tx *gorm.DB, dbPayment *db.LnPayment, payErr error) error {
	var existing db.LnPayment
	result := tx.Limit(1).Find(&existing, &db.LnPayment{
		ID: dbPayment.ID,
	})
	if result.Error != nil {
		logger.Logger.Error().Err(result.Error).Str("payment_hash", dbPayment.PaymentHash).Msg("could not find payment to mark as failed")
		return result.Error
	}
	if existing.State == constants.PAYMENT_STATE_FAILED {
		logger.Logger.Info().Str("payment_hash", dbPayment.PaymentHash).Msg("payment already marked as failed")
		return nil
	}

	reason := lnclient.FailureReasonNonRecoverableError
	var paymentErr *lnclient.PaymentError
	if errors.As(payErr, &paymentErr) {
		reason = paymentErr.Reason
	}

	err := tx.Model(dbPayment).Updates(map[string]interface{}{
		"state":            constants.PAYMENT_STATE_FAILED,
		"fee_reserve_msat": 0,
		"failure_reason":   string(reason),
	}).Error
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("payment_hash", dbPayment.PaymentHash).
			Msg("Failed to mark payment as failed")
		return err
	}

	logger.Logger.Info().
		Str("payment_hash", dbPayment.PaymentHash).
		Str("reason", string(reason)).
		Msg("Marked payment as failed")

	metrics.PaymentsFailed.WithLabelValues(dbPayment.Direction, string(reason)).Inc()

	svc.eventPublisher.Publish(&events.Event{
		Event:      constants.PAYMENT_EVENT_FAILED,
		Properties: dbPayment,
	})
	return nil
}

// budgetMsat resolves the effective fee cap: the tighter of the relative
// (ppm) and absolute caps.
func budgetMsat(amountMsat uint64, routingBudgetPpm uint32, routingBudgetMsat uint64) uint64 {
	fromPpm := amountMsat * uint64(routingBudgetPpm) / 1_000_000
	if fromPpm < routingBudgetMsat {
		return fromPpm
	}
	return routingBudgetMsat
}
