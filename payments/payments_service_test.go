package payments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbits/tradehub/constants"
	"github.com/peerbits/tradehub/db"
	"github.com/peerbits/tradehub/lnclient"
	"github.com/peerbits/tradehub/tests"
)

// robot 2 pays or receives on order 1 throughout
func seedParticipants(t *testing.T, svc *tests.TestService) {
	t.Helper()

	tests.CreateRobotFixture(t, svc, 2)
	tests.CreateOrderFixture(t, svc, 1, 2)
}

func TestBudgetMsat(t *testing.T) {
	// 1_000_000 msat at 1000 ppm = 1000 msat, absolute cap higher
	assert.Equal(t, uint64(1000), budgetMsat(1_000_000, 1000, 5000))
	// absolute cap tighter than ppm
	assert.Equal(t, uint64(500), budgetMsat(1_000_000, 1000, 500))
	// zero ppm means zero budget regardless of the absolute cap
	assert.Equal(t, uint64(0), budgetMsat(1_000_000, 0, 10_000))
}

func TestPayOut_RejectsExcessiveBudgetPpm(t *testing.T) {
	ctx := context.TODO()

	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	paymentsService := NewPaymentsService(svc.DB, svc.EventPublisher, svc.LNClient)

	_, err = paymentsService.PayOut(ctx, 1, 2, "lnbc...", 1_000_000, constants.MAX_ROUTING_BUDGET_PPM+1, 0)
	assert.Error(t, err)
	assert.Equal(t, NewInvalidBudgetError().Error(), err.Error())
	assert.Empty(t, svc.LNClient.PayInvoiceCalls)
}

func TestPayOut_InvalidInvoice(t *testing.T) {
	ctx := context.TODO()

	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	seedParticipants(t, svc)
	paymentsService := NewPaymentsService(svc.DB, svc.EventPublisher, svc.LNClient)

	_, err = paymentsService.PayOut(ctx, 1, 2, "lnbc1notaninvoice", 1_000_000, 1000, 0)
	require.Error(t, err)

	var paymentErr *lnclient.PaymentError
	require.ErrorAs(t, err, &paymentErr)
	assert.Equal(t, lnclient.FailureReasonInvalidPaymentDetails, paymentErr.Reason)

	// the failed attempt is recorded with its classification and never
	// reached the node
	var payment db.LnPayment
	svc.DB.First(&payment, &db.LnPayment{OrderId: 1})
	assert.Equal(t, constants.PAYMENT_STATE_FAILED, payment.State)
	assert.Equal(t, string(lnclient.FailureReasonInvalidPaymentDetails), payment.FailureReason)
	assert.Empty(t, svc.LNClient.PayInvoiceCalls)
}

func TestPayOut_RejectedPayoutDoesNotBlockRetry(t *testing.T) {
	ctx := context.TODO()

	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	seedParticipants(t, svc)
	paymentsService := NewPaymentsService(svc.DB, svc.EventPublisher, svc.LNClient)

	_, err = paymentsService.PayOut(ctx, 1, 2, "lnbc1notaninvoice", 1_000_000, 1000, 0)
	require.Error(t, err)

	// the rejected payout leaves no pending record behind, so a corrected
	// retry is classified on its own merits instead of conflicting
	var pendingCount int64
	svc.DB.Model(&db.LnPayment{}).Where(&db.LnPayment{
		OrderId: 1,
		State:   constants.PAYMENT_STATE_PENDING,
	}).Count(&pendingCount)
	assert.Zero(t, pendingCount)

	_, err = paymentsService.PayOut(ctx, 1, 2, "lnbc1stillnotaninvoice", 1_000_000, 1000, 0)
	require.Error(t, err)

	var paymentErr *lnclient.PaymentError
	require.ErrorAs(t, err, &paymentErr)
	assert.Equal(t, lnclient.FailureReasonInvalidPaymentDetails, paymentErr.Reason)

	var failedCount int64
	svc.DB.Model(&db.LnPayment{}).Where(&db.LnPayment{
		OrderId: 1,
		State:   constants.PAYMENT_STATE_FAILED,
	}).Count(&failedCount)
	assert.Equal(t, int64(2), failedCount)
}

func TestAttemptWithRelaxedPathfinding_RetriesRouteFailures(t *testing.T) {
	ctx := context.TODO()

	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	routeErr := lnclient.NewPaymentError(lnclient.FailureReasonRoutesExhaustedPermanent, "no route")
	svc.LNClient.PayInvoiceResults = []tests.PayInvoiceResult{
		{Err: routeErr},
		{Err: routeErr},
		{Response: &lnclient.PayInvoiceResponse{Preimage: "aa", FeeMsat: 3500}},
	}

	paymentsService := NewPaymentsService(svc.DB, svc.EventPublisher, svc.LNClient)

	response, err := paymentsService.attemptWithRelaxedPathfinding(ctx, "lnbc...", 1_000_000, 4000)
	require.NoError(t, err)
	assert.Equal(t, uint64(3500), response.FeeMsat)

	// each retry relaxed the fee limit up to the full budget
	require.Len(t, svc.LNClient.PayInvoiceCalls, 3)
	assert.Equal(t, uint64(1000), svc.LNClient.PayInvoiceCalls[0].FeeLimitMsat)
	assert.Equal(t, uint64(2000), svc.LNClient.PayInvoiceCalls[1].FeeLimitMsat)
	assert.Equal(t, uint64(4000), svc.LNClient.PayInvoiceCalls[2].FeeLimitMsat)
}

func TestAttemptWithRelaxedPathfinding_NoRetryOnTerminalFailure(t *testing.T) {
	ctx := context.TODO()

	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	svc.LNClient.PayInvoiceResults = []tests.PayInvoiceResult{
		{Err: lnclient.NewPaymentError(lnclient.FailureReasonInsufficientNodeBalance, "drained")},
	}

	paymentsService := NewPaymentsService(svc.DB, svc.EventPublisher, svc.LNClient)

	_, err = paymentsService.attemptWithRelaxedPathfinding(ctx, "lnbc...", 1_000_000, 4000)
	require.Error(t, err)

	var paymentErr *lnclient.PaymentError
	require.ErrorAs(t, err, &paymentErr)
	assert.Equal(t, lnclient.FailureReasonInsufficientNodeBalance, paymentErr.Reason)
	assert.Len(t, svc.LNClient.PayInvoiceCalls, 1)
}

func TestAttemptWithRelaxedPathfinding_ZeroBudgetSingleAttempt(t *testing.T) {
	ctx := context.TODO()

	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	routeErr := lnclient.NewPaymentError(lnclient.FailureReasonRoutesExhaustedPermanent, "no zero-fee route")
	svc.LNClient.PayInvoiceResults = []tests.PayInvoiceResult{
		{Err: routeErr},
		{Err: routeErr},
		{Err: routeErr},
	}

	paymentsService := NewPaymentsService(svc.DB, svc.EventPublisher, svc.LNClient)

	// a zero budget collapses every relaxation step into one attempt
	_, err = paymentsService.attemptWithRelaxedPathfinding(ctx, "lnbc...", 1_000_000, 0)
	require.Error(t, err)
	require.Len(t, svc.LNClient.PayInvoiceCalls, 1)
	assert.Equal(t, uint64(0), svc.LNClient.PayInvoiceCalls[0].FeeLimitMsat)
}

func TestCollectIn_Settles(t *testing.T) {
	ctx := context.TODO()

	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	seedParticipants(t, svc)

	previousInterval := trackPaymentInterval
	trackPaymentInterval = 10 * time.Millisecond
	defer func() { trackPaymentInterval = previousInterval }()

	svc.LNClient.TrackStates = []lnclient.PaymentTrackingInfo{
		{State: lnclient.PAYMENT_TRACK_STATE_PENDING},
		{State: lnclient.PAYMENT_TRACK_STATE_SETTLED, Preimage: "bb"},
	}

	paymentsService := NewPaymentsService(svc.DB, svc.EventPublisher, svc.LNClient)

	payment, err := paymentsService.CollectIn(ctx, 1, 2, 1_000_000, "trade escrow")
	require.NoError(t, err)
	assert.Equal(t, constants.PAYMENT_STATE_SETTLED, payment.State)
	assert.Equal(t, constants.PAYMENT_DIRECTION_INCOMING, payment.Direction)
	assert.NotNil(t, payment.SettledAt)
}

func TestCollectIn_Timeout(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	seedParticipants(t, svc)

	previousInterval := trackPaymentInterval
	trackPaymentInterval = 10 * time.Millisecond
	defer func() { trackPaymentInterval = previousInterval }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	paymentsService := NewPaymentsService(svc.DB, svc.EventPublisher, svc.LNClient)

	_, err = paymentsService.CollectIn(ctx, 1, 2, 1_000_000, "trade escrow")
	require.Error(t, err)

	var paymentErr *lnclient.PaymentError
	require.ErrorAs(t, err, &paymentErr)
	assert.Equal(t, lnclient.FailureReasonRoutesExhaustedTimeout, paymentErr.Reason)

	var payment db.LnPayment
	svc.DB.First(&payment, &db.LnPayment{OrderId: 1})
	assert.Equal(t, constants.PAYMENT_STATE_FAILED, payment.State)
	assert.Equal(t, string(lnclient.FailureReasonRoutesExhaustedTimeout), payment.FailureReason)
}

func TestCollectIn_RejectsDuplicatePending(t *testing.T) {
	ctx := context.TODO()

	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	seedParticipants(t, svc)
	require.NoError(t, svc.DB.Create(&db.LnPayment{
		OrderId:    1,
		RobotId:    2,
		Direction:  constants.PAYMENT_DIRECTION_INCOMING,
		State:      constants.PAYMENT_STATE_PENDING,
		AmountMsat: 1_000_000,
	}).Error)

	paymentsService := NewPaymentsService(svc.DB, svc.EventPublisher, svc.LNClient)

	_, err = paymentsService.CollectIn(ctx, 1, 2, 1_000_000, "trade escrow")
	assert.Error(t, err)
	assert.Equal(t, NewPaymentConflictError().Error(), err.Error())
}

func TestLookupPayment_PrefersSettled(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	seedParticipants(t, svc)
	require.NoError(t, svc.DB.Create(&db.LnPayment{
		OrderId:    1,
		RobotId:    2,
		Direction:  constants.PAYMENT_DIRECTION_OUTGOING,
		State:      constants.PAYMENT_STATE_FAILED,
		AmountMsat: 1_000_000,
	}).Error)
	now := time.Now()
	require.NoError(t, svc.DB.Create(&db.LnPayment{
		OrderId:    1,
		RobotId:    2,
		Direction:  constants.PAYMENT_DIRECTION_OUTGOING,
		State:      constants.PAYMENT_STATE_SETTLED,
		AmountMsat: 1_000_000,
		SettledAt:  &now,
	}).Error)

	paymentsService := NewPaymentsService(svc.DB, svc.EventPublisher, svc.LNClient)

	payment, err := paymentsService.LookupPayment(1, constants.PAYMENT_DIRECTION_OUTGOING)
	require.NoError(t, err)
	assert.Equal(t, constants.PAYMENT_STATE_SETTLED, payment.State)

	_, err = paymentsService.LookupPayment(42, constants.PAYMENT_DIRECTION_OUTGOING)
	assert.Error(t, err)
	assert.Equal(t, NewNotFoundError().Error(), err.Error())
}
