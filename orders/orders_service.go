package orders

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/peerbits/tradehub/config"
	"github.com/peerbits/tradehub/constants"
	"github.com/peerbits/tradehub/db"
	"github.com/peerbits/tradehub/escrow"
	"github.com/peerbits/tradehub/events"
	"github.com/peerbits/tradehub/logger"
	"github.com/peerbits/tradehub/metrics"
	"github.com/peerbits/tradehub/payments"
	"github.com/peerbits/tradehub/swaps"
	"gorm.io/gorm"
)

type ordersService struct {
	db              *gorm.DB
	cfg             config.Config
	eventPublisher  events.EventPublisher
	escrowLedger    escrow.EscrowLedger
	paymentsService payments.PaymentsService
	swapsService    swaps.SwapsService
	orderLocks      *keyedMutex
}

type Order = db.Order

type CreateOrderRequest struct {
	PaymentMethod  string `json:"paymentMethod"`
	AmountMsat     uint64 `json:"amountMsat"`
	BondMsat       uint64 `json:"bondMsat"`
	EscrowDuration uint32 `json:"escrowDuration"`
}

type SubmitPayoutRequest struct {
	PayoutInvoice     string `json:"payoutInvoice"`
	PayoutAddress     string `json:"payoutAddress"`
	RoutingBudgetPpm  uint32 `json:"routingBudgetPpm"`
	RoutingBudgetMsat uint64 `json:"routingBudgetMsat"`
}

type OrdersService interface {
	Create(makerId uint, request *CreateOrderRequest) (*Order, error)
	Take(orderId uint, takerId uint, bondless bool) (*Order, error)
	FundEscrow(ctx context.Context, orderId uint) (*Order, error)
	SubmitPayout(orderId uint, request *SubmitPayoutRequest) (*Order, error)
	MarkFiatSent(orderId uint) (*Order, error)
	RevertFiatSent(orderId uint) (*Order, error)
	ConfirmFiatReceived(ctx context.Context, orderId uint) (*Order, error)
	Dispute(orderId uint, reason string) (*Order, error)
	Cancel(orderId uint) (*Order, error)
	Expire(orderId uint) (*Order, error)
	Finalize(orderId uint) (*Order, error)
	ExtendFinalization(orderId uint, extension time.Duration) (*Order, error)
	GetOrder(orderId uint) (*Order, error)
	GetOrderByReference(reference string) (*Order, error)
}

func NewOrdersService(gormDB *gorm.DB, cfg config.Config, eventPublisher events.EventPublisher, escrowLedger escrow.EscrowLedger, paymentsService payments.PaymentsService, swapsService swaps.SwapsService) *ordersService {
	return &ordersService{
		db:              gormDB,
		cfg:             cfg,
		eventPublisher:  eventPublisher,
		escrowLedger:    escrowLedger,
		paymentsService: paymentsService,
		swapsService:    swapsService,
		orderLocks:      newKeyedMutex(),
	}
}

func (svc *ordersService) Create(makerId uint, request *CreateOrderRequest) (*Order, error) {
	if !slices.Contains(constants.GetPaymentMethods(), request.PaymentMethod) {
		return nil, NewInvalidParameterError("unsupported payment method")
	}
	if request.EscrowDuration < constants.MIN_ESCROW_DURATION || request.EscrowDuration > constants.MAX_ESCROW_DURATION {
		return nil, NewInvalidParameterError("escrow duration outside of allowed bounds")
	}
	if request.AmountMsat == 0 {
		return nil, NewInvalidParameterError("order amount must be positive")
	}

	now := time.Now()
	order := db.Order{
		Reference:        uuid.NewString(),
		State:            constants.ORDER_STATE_CREATED,
		MakerId:          makerId,
		PaymentMethod:    request.PaymentMethod,
		AmountMsat:       request.AmountMsat,
		BondMsat:         request.BondMsat,
		EscrowDuration:   request.EscrowDuration,
		LastSatoshisTime: &now,
	}
	err := svc.db.Create(&order).Error
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to create DB order")
		return nil, err
	}

	logger.Logger.Info().
		Uint("order_id", order.ID).
		Str("reference", order.Reference).
		Uint64("amount_msat", order.AmountMsat).
		Msg("Created order")

	svc.publishTransition(constants.TRADE_EVENT_ORDER_CREATED, &order)
	return &order, nil
}

func (svc *ordersService) Take(orderId uint, takerId uint, bondless bool) (*Order, error) {
	svc.orderLocks.Lock(orderId)
	defer svc.orderLocks.Unlock(orderId)

	order, err := svc.loadOrder(orderId)
	if err != nil {
		return nil, err
	}
	if order.State != constants.ORDER_STATE_CREATED {
		return nil, NewInvalidStateError(order.State, "take")
	}

	// the bond hold and the state update commit together so a failed
	// update cannot leak a hold
	err = svc.db.Transaction(func(tx *gorm.DB) error {
		if !bondless {
			_, holdErr := svc.escrowLedger.HoldIn(tx, orderId, takerId, constants.ESCROW_TYPE_BOND, order.BondMsat)
			if holdErr != nil {
				logger.Logger.Error().Err(holdErr).
					Uint("order_id", orderId).
					Uint("taker_id", takerId).
					Msg("Failed to secure taker bond")
				return NewBondFailedError(holdErr)
			}
		}

		now := time.Now()
		return tx.Model(order).Updates(map[string]interface{}{
			"taker_id":           takerId,
			"bondless_taker":     bondless,
			"state":              constants.ORDER_STATE_TAKEN,
			"last_satoshis_time": &now,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	svc.publishTransition(constants.TRADE_EVENT_ORDER_TAKEN, order)
	return order, nil
}

// FundEscrow collects the trade escrow from the maker over Lightning. The
// call blocks until the escrow invoice settles or the collect timeout
// elapses; on failure the order stays in Taken.
func (svc *ordersService) FundEscrow(ctx context.Context, orderId uint) (*Order, error) {
	svc.orderLocks.Lock(orderId)
	defer svc.orderLocks.Unlock(orderId)

	order, err := svc.loadOrder(orderId)
	if err != nil {
		return nil, err
	}
	if order.State != constants.ORDER_STATE_TAKEN {
		return nil, NewInvalidStateError(order.State, "fund escrow")
	}

	// an earlier attempt may have settled the collateral and then died
	// before the state update; resume it instead of collecting twice
	collected := false
	if existing, lookupErr := svc.paymentsService.LookupPayment(orderId, constants.PAYMENT_DIRECTION_INCOMING); lookupErr == nil &&
		existing.State == constants.PAYMENT_STATE_SETTLED {
		collected = true
	}

	if !collected {
		collectCtx, cancel := context.WithTimeout(ctx, svc.cfg.GetCollectTimeout())
		defer cancel()

		_, err = svc.paymentsService.CollectIn(collectCtx, orderId, order.MakerId, order.AmountMsat, "trade escrow for order "+order.Reference)
		if err != nil {
			logger.Logger.Error().Err(err).
				Uint("order_id", orderId).
				Msg("Failed to collect trade escrow")
			return nil, err
		}
	}

	// the settled inbound payment credits the maker; lock it up as the
	// trade escrow hold
	if _, holdErr := svc.escrowLedger.GetHold(orderId, order.MakerId); holdErr != nil {
		_, err = svc.escrowLedger.Hold(orderId, order.MakerId, constants.ESCROW_TYPE_TRADE, order.AmountMsat)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	finalization := now.Add(time.Duration(order.EscrowDuration) * time.Second)
	err = svc.db.Model(order).Updates(map[string]interface{}{
		"state":                      constants.ORDER_STATE_ESCROW_FUNDED,
		"last_satoshis_time":         &now,
		"contract_finalization_time": &finalization,
	}).Error
	if err != nil {
		return nil, err
	}

	svc.publishTransition(constants.TRADE_EVENT_ESCROW_FUNDED, order)
	return order, nil
}

// SubmitPayout records the buyer's payout details and opens the trade chat.
func (svc *ordersService) SubmitPayout(orderId uint, request *SubmitPayoutRequest) (*Order, error) {
	svc.orderLocks.Lock(orderId)
	defer svc.orderLocks.Unlock(orderId)

	order, err := svc.loadOrder(orderId)
	if err != nil {
		return nil, err
	}
	if order.State != constants.ORDER_STATE_ESCROW_FUNDED {
		return nil, NewInvalidStateError(order.State, "submit payout details for")
	}

	if request.RoutingBudgetPpm > constants.MAX_ROUTING_BUDGET_PPM {
		return nil, NewInvalidParameterError("routing budget ppm outside of allowed bounds")
	}
	switch order.PaymentMethod {
	case constants.PAYMENT_METHOD_LIGHTNING:
		if request.PayoutInvoice == "" {
			return nil, NewInvalidParameterError("a payout invoice is required for lightning payouts")
		}
	case constants.PAYMENT_METHOD_ONCHAIN:
		if request.PayoutAddress == "" {
			return nil, NewInvalidParameterError("a payout address is required for on-chain payouts")
		}
	}

	err = svc.db.Model(order).Updates(map[string]interface{}{
		"payout_invoice":      request.PayoutInvoice,
		"payout_address":      request.PayoutAddress,
		"routing_budget_ppm":  request.RoutingBudgetPpm,
		"routing_budget_msat": request.RoutingBudgetMsat,
		"state":               constants.ORDER_STATE_CHAT_OPEN,
	}).Error
	if err != nil {
		return nil, err
	}

	svc.publishTransition(constants.TRADE_EVENT_CHAT_OPEN, order)
	return order, nil
}

func (svc *ordersService) MarkFiatSent(orderId uint) (*Order, error) {
	svc.orderLocks.Lock(orderId)
	defer svc.orderLocks.Unlock(orderId)

	order, err := svc.loadOrder(orderId)
	if err != nil {
		return nil, err
	}
	if order.State != constants.ORDER_STATE_CHAT_OPEN {
		return nil, NewInvalidStateError(order.State, "mark fiat sent on")
	}

	err = svc.db.Model(order).Update("state", constants.ORDER_STATE_FIAT_SENT).Error
	if err != nil {
		return nil, err
	}

	svc.publishTransition(constants.TRADE_EVENT_FIAT_SENT, order)
	return order, nil
}

// RevertFiatSent reopens a trade previously marked fiat-sent. It is legal
// only within the contract finalization window and at most once per order.
func (svc *ordersService) RevertFiatSent(orderId uint) (*Order, error) {
	svc.orderLocks.Lock(orderId)
	defer svc.orderLocks.Unlock(orderId)

	order, err := svc.loadOrder(orderId)
	if err != nil {
		return nil, err
	}
	if order.State != constants.ORDER_STATE_FIAT_SENT {
		return nil, NewInvalidStateError(order.State, "revert fiat sent on")
	}
	if order.RevertedFiatSent {
		return nil, NewInvalidStateError(order.State, "revert fiat sent twice on")
	}
	if order.ContractFinalizationTime == nil || time.Now().After(*order.ContractFinalizationTime) {
		return nil, NewInvalidStateError(order.State, "revert fiat sent outside the finalization window on")
	}

	err = svc.db.Model(order).Updates(map[string]interface{}{
		"state":              constants.ORDER_STATE_CHAT_OPEN,
		"reverted_fiat_sent": true,
	}).Error
	if err != nil {
		return nil, err
	}

	svc.publishTransition(constants.TRADE_EVENT_FIAT_SENT_REVERTED, order)
	return order, nil
}

// ConfirmFiatReceived confirms the fiat leg and triggers the payout. A
// payout failure moves the order to Disputed instead of retrying forever.
func (svc *ordersService) ConfirmFiatReceived(ctx context.Context, orderId uint) (*Order, error) {
	svc.orderLocks.Lock(orderId)
	defer svc.orderLocks.Unlock(orderId)

	order, err := svc.loadOrder(orderId)
	if err != nil {
		return nil, err
	}
	if order.State != constants.ORDER_STATE_FIAT_SENT {
		return nil, NewInvalidStateError(order.State, "confirm fiat received on")
	}
	if order.TakerId == nil {
		return nil, NewInvalidStateError(order.State, "confirm fiat received without a taker on")
	}

	err = svc.db.Model(order).Update("state", constants.ORDER_STATE_CONFIRMED).Error
	if err != nil {
		return nil, err
	}
	svc.publishTransition(constants.TRADE_EVENT_FIAT_CONFIRMED, order)

	err = svc.executePayout(ctx, order)
	if err != nil {
		logger.Logger.Error().Err(err).
			Uint("order_id", orderId).
			Msg("Payout failed, moving order to dispute")

		disputeErr := svc.db.Model(order).Updates(map[string]interface{}{
			"state":          constants.ORDER_STATE_DISPUTED,
			"dispute_reason": "payout failed: " + err.Error(),
		}).Error
		if disputeErr != nil {
			return nil, disputeErr
		}
		svc.publishTransition(constants.TRADE_EVENT_ORDER_DISPUTED, order)
		return order, err
	}

	// transfer the trade escrow to the buyer and give the bond back
	_, err = svc.escrowLedger.Forfeit(orderId, order.MakerId, *order.TakerId)
	if err != nil {
		return nil, err
	}
	if !order.BondlessTaker {
		err = svc.escrowLedger.Release(orderId, *order.TakerId)
		if err != nil {
			return nil, err
		}
	}

	err = svc.db.Model(order).Update("state", constants.ORDER_STATE_PAID_OUT).Error
	if err != nil {
		return nil, err
	}

	svc.publishTransition(constants.TRADE_EVENT_ORDER_PAID_OUT, order)
	return order, nil
}

func (svc *ordersService) executePayout(ctx context.Context, order *db.Order) error {
	if order.PaymentMethod == constants.PAYMENT_METHOD_ONCHAIN {
		quote, err := svc.swapsService.Quote(ctx, order.ID)
		if err != nil {
			return err
		}
		_, err = svc.swapsService.Broadcast(ctx, order.ID, quote.SuggestedMiningFeeRate)
		return err
	}

	_, err := svc.paymentsService.PayOut(ctx, order.ID, *order.TakerId, order.PayoutInvoice, order.AmountMsat, order.RoutingBudgetPpm, order.RoutingBudgetMsat)
	return err
}

func (svc *ordersService) Dispute(orderId uint, reason string) (*Order, error) {
	svc.orderLocks.Lock(orderId)
	defer svc.orderLocks.Unlock(orderId)

	order, err := svc.loadOrder(orderId)
	if err != nil {
		return nil, err
	}
	if constants.IsTerminalOrderState(order.State) ||
		order.State == constants.ORDER_STATE_CREATED ||
		order.State == constants.ORDER_STATE_TAKEN ||
		order.State == constants.ORDER_STATE_PAID_OUT ||
		order.State == constants.ORDER_STATE_DISPUTED {
		return nil, NewInvalidStateError(order.State, "dispute")
	}

	err = svc.db.Model(order).Updates(map[string]interface{}{
		"state":          constants.ORDER_STATE_DISPUTED,
		"dispute_reason": reason,
	}).Error
	if err != nil {
		return nil, err
	}

	svc.publishTransition(constants.TRADE_EVENT_ORDER_DISPUTED, order)
	return order, nil
}

// Cancel is legal from Created and from Taken when the taker posted no
// bond. All collateral is released before the order turns terminal.
func (svc *ordersService) Cancel(orderId uint) (*Order, error) {
	svc.orderLocks.Lock(orderId)
	defer svc.orderLocks.Unlock(orderId)

	order, err := svc.loadOrder(orderId)
	if err != nil {
		return nil, err
	}
	if order.State != constants.ORDER_STATE_CREATED &&
		!(order.State == constants.ORDER_STATE_TAKEN && order.BondlessTaker) {
		return nil, NewInvalidStateError(order.State, "cancel")
	}

	return svc.cancelLocked(order, constants.TRADE_EVENT_ORDER_CANCELLED)
}

func (svc *ordersService) cancelLocked(order *db.Order, event string) (*Order, error) {
	err := svc.escrowLedger.ReleaseAll(order.ID)
	if err != nil {
		return nil, err
	}

	err = svc.db.Model(order).Update("state", constants.ORDER_STATE_CANCELLED).Error
	if err != nil {
		return nil, err
	}

	svc.publishTransition(event, order)
	return order, nil
}

// Expire applies the deterministic default resolution for the order's
// current state; the scheduler invokes it when a deadline elapses.
func (svc *ordersService) Expire(orderId uint) (*Order, error) {
	svc.orderLocks.Lock(orderId)
	defer svc.orderLocks.Unlock(orderId)

	order, err := svc.loadOrder(orderId)
	if err != nil {
		return nil, err
	}

	switch order.State {
	case constants.ORDER_STATE_CREATED, constants.ORDER_STATE_TAKEN,
		constants.ORDER_STATE_ESCROW_FUNDED, constants.ORDER_STATE_CHAT_OPEN:
		// no fiat was claimed sent: un-escrow and cancel
		return svc.cancelLocked(order, constants.TRADE_EVENT_ORDER_EXPIRED)
	case constants.ORDER_STATE_FIAT_SENT, constants.ORDER_STATE_CONFIRMED:
		// fiat was claimed sent: freeze for arbitration
		err = svc.db.Model(order).Updates(map[string]interface{}{
			"state":          constants.ORDER_STATE_DISPUTED,
			"dispute_reason": "order expired after fiat was marked sent",
		}).Error
		if err != nil {
			return nil, err
		}
		svc.publishTransition(constants.TRADE_EVENT_ORDER_EXPIRED, order)
		return order, nil
	default:
		return nil, NewInvalidStateError(order.State, "expire")
	}
}

func (svc *ordersService) Finalize(orderId uint) (*Order, error) {
	svc.orderLocks.Lock(orderId)
	defer svc.orderLocks.Unlock(orderId)

	order, err := svc.loadOrder(orderId)
	if err != nil {
		return nil, err
	}
	if order.State != constants.ORDER_STATE_PAID_OUT {
		return nil, NewInvalidStateError(order.State, "finalize")
	}

	err = svc.db.Model(order).Update("state", constants.ORDER_STATE_FINALIZED).Error
	if err != nil {
		return nil, err
	}

	svc.publishTransition(constants.TRADE_EVENT_ORDER_FINALIZED, order)
	return order, nil
}

// ExtendFinalization is the only way the finalization deadline may move;
// it only ever moves forward.
func (svc *ordersService) ExtendFinalization(orderId uint, extension time.Duration) (*Order, error) {
	if extension <= 0 {
		return nil, NewInvalidParameterError("finalization extension must be positive")
	}

	svc.orderLocks.Lock(orderId)
	defer svc.orderLocks.Unlock(orderId)

	order, err := svc.loadOrder(orderId)
	if err != nil {
		return nil, err
	}
	if order.State != constants.ORDER_STATE_CHAT_OPEN && order.State != constants.ORDER_STATE_FIAT_SENT {
		return nil, NewInvalidStateError(order.State, "extend the finalization deadline of")
	}
	if order.ContractFinalizationTime == nil {
		return nil, NewInvalidStateError(order.State, "extend an unset finalization deadline of")
	}

	extended := order.ContractFinalizationTime.Add(extension)
	err = svc.db.Model(order).Update("contract_finalization_time", &extended).Error
	if err != nil {
		return nil, err
	}

	svc.publishTransition(constants.TRADE_EVENT_ORDER_EXTENDED, order)
	return order, nil
}

func (svc *ordersService) GetOrder(orderId uint) (*Order, error) {
	return svc.loadOrder(orderId)
}

func (svc *ordersService) GetOrderByReference(reference string) (*Order, error) {
	var order db.Order
	result := svc.db.Limit(1).Find(&order, &db.Order{Reference: reference})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, NewOrderNotFoundError()
	}
	return &order, nil
}

func (svc *ordersService) loadOrder(orderId uint) (*db.Order, error) {
	var order db.Order
	result := svc.db.Limit(1).Find(&order, &db.Order{ID: orderId})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, NewOrderNotFoundError()
	}
	return &order, nil
}

// publishTransition hands subscribers a snapshot of the order, the live
// struct keeps being mutated by later transitions. Publishing synchronously
// keeps webhook enqueueing in transition order; subscribers never block on
// delivery itself.
func (svc *ordersService) publishTransition(event string, order *db.Order) {
	metrics.OrdersByTransition.WithLabelValues(order.State).Inc()
	snapshot := *order
	svc.eventPublisher.PublishSync(&events.Event{
		Event:      event,
		Properties: &snapshot,
	})
}
