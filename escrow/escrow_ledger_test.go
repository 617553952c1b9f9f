package escrow

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/peerbits/tradehub/constants"
	"github.com/peerbits/tradehub/db"
	"github.com/peerbits/tradehub/db/queries"
	"github.com/peerbits/tradehub/tests"
)

// orders 1 and 2 receive the holds, order 9999 funds the balances
const fundingOrderId = uint(9999)

func setupLedger(t *testing.T, svc *tests.TestService) {
	t.Helper()

	tests.CreateRobotFixture(t, svc, 1)
	tests.CreateRobotFixture(t, svc, 2)
	tests.CreateOrderFixture(t, svc, 1, 1)
	tests.CreateOrderFixture(t, svc, 2, 1)
	tests.CreateOrderFixture(t, svc, fundingOrderId, 1)
}

func seedBalance(t *testing.T, svc *tests.TestService, robotId uint, amountMsat uint64) {
	t.Helper()

	require.NoError(t, svc.DB.Create(&db.LnPayment{
		OrderId:    fundingOrderId,
		RobotId:    robotId,
		Direction:  constants.PAYMENT_DIRECTION_INCOMING,
		State:      constants.PAYMENT_STATE_SETTLED,
		AmountMsat: amountMsat,
	}).Error)
}

func TestHold_InsufficientFunds(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	setupLedger(t, svc)
	ledger := NewEscrowLedger(svc.DB)

	_, err = ledger.Hold(1, 1, constants.ESCROW_TYPE_BOND, 50_000)
	assert.Error(t, err)
	assert.Equal(t, NewInsufficientFundsError().Error(), err.Error())
}

func TestHold_RejectsOverflowAmount(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	setupLedger(t, svc)
	seedBalance(t, svc, 1, 1_000_000)
	ledger := NewEscrowLedger(svc.DB)

	// an amount above MaxInt64 msat must not wrap into a passing comparison
	_, err = ledger.Hold(1, 1, constants.ESCROW_TYPE_TRADE, math.MaxUint64)
	assert.Error(t, err)
	assert.Equal(t, NewInsufficientFundsError().Error(), err.Error())

	_, err = ledger.GetHold(1, 1)
	assert.Error(t, err)
}

func TestHold_ConflictOnSecondHold(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	setupLedger(t, svc)
	seedBalance(t, svc, 1, 1_000_000)
	ledger := NewEscrowLedger(svc.DB)

	entry, err := ledger.Hold(1, 1, constants.ESCROW_TYPE_TRADE, 400_000)
	require.NoError(t, err)
	assert.Equal(t, constants.ESCROW_STATE_HELD, entry.State)

	_, err = ledger.Hold(1, 1, constants.ESCROW_TYPE_BOND, 100_000)
	assert.Error(t, err)
	assert.Equal(t, NewHoldConflictError().Error(), err.Error())
}

func TestHold_ReducesAvailableBalance(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	setupLedger(t, svc)
	seedBalance(t, svc, 1, 1_000_000)
	ledger := NewEscrowLedger(svc.DB)

	_, err = ledger.Hold(1, 1, constants.ESCROW_TYPE_TRADE, 600_000)
	require.NoError(t, err)
	assert.Equal(t, int64(400_000), queries.GetAvailableBalanceMsat(svc.DB, 1))

	// a second order cannot hold more than what is left
	_, err = ledger.Hold(2, 1, constants.ESCROW_TYPE_BOND, 500_000)
	assert.Error(t, err)
}

func TestHoldIn_RollsBackWithCallerTransaction(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	setupLedger(t, svc)
	seedBalance(t, svc, 1, 1_000_000)
	ledger := NewEscrowLedger(svc.DB)

	err = svc.DB.Transaction(func(tx *gorm.DB) error {
		_, holdErr := ledger.HoldIn(tx, 1, 1, constants.ESCROW_TYPE_BOND, 300_000)
		require.NoError(t, holdErr)
		return errors.New("caller write failed")
	})
	require.Error(t, err)

	// the hold rolled back with the caller, nothing stays debited
	_, err = ledger.GetHold(1, 1)
	assert.Error(t, err)
	assert.Equal(t, int64(1_000_000), queries.GetAvailableBalanceMsat(svc.DB, 1))
}

func TestRelease_Idempotent(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	setupLedger(t, svc)
	seedBalance(t, svc, 1, 1_000_000)
	ledger := NewEscrowLedger(svc.DB)

	_, err = ledger.Hold(1, 1, constants.ESCROW_TYPE_BOND, 300_000)
	require.NoError(t, err)

	require.NoError(t, ledger.Release(1, 1))
	assert.Equal(t, int64(1_000_000), queries.GetAvailableBalanceMsat(svc.DB, 1))

	// releasing again and releasing a hold that never existed are no-ops
	assert.NoError(t, ledger.Release(1, 1))
	assert.NoError(t, ledger.Release(42, 1))
}

func TestForfeit_CreditsBeneficiary(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	setupLedger(t, svc)
	seedBalance(t, svc, 1, 1_000_000)
	ledger := NewEscrowLedger(svc.DB)

	_, err = ledger.Hold(1, 1, constants.ESCROW_TYPE_TRADE, 600_000)
	require.NoError(t, err)

	entry, err := ledger.Forfeit(1, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(600_000), entry.AmountMsat)

	assert.Equal(t, int64(400_000), queries.GetAvailableBalanceMsat(svc.DB, 1))
	assert.Equal(t, int64(600_000), queries.GetAvailableBalanceMsat(svc.DB, 2))
}

func TestForfeit_IsIrreversible(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	setupLedger(t, svc)
	seedBalance(t, svc, 1, 1_000_000)
	ledger := NewEscrowLedger(svc.DB)

	_, err = ledger.Hold(1, 1, constants.ESCROW_TYPE_TRADE, 600_000)
	require.NoError(t, err)

	_, err = ledger.Forfeit(1, 1, 2)
	require.NoError(t, err)

	err = ledger.Release(1, 1)
	assert.Error(t, err)

	// forfeiting again keeps the original beneficiary
	_, err = ledger.Forfeit(1, 1, 3)
	require.NoError(t, err)

	var entry db.EscrowEntry
	svc.DB.First(&entry, &db.EscrowEntry{OrderId: 1, RobotId: 1})
	require.NotNil(t, entry.BeneficiaryId)
	assert.Equal(t, uint(2), *entry.BeneficiaryId)
}

func TestForfeit_MissingHold(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	setupLedger(t, svc)
	ledger := NewEscrowLedger(svc.DB)

	_, err = ledger.Forfeit(1, 1, 2)
	assert.Error(t, err)
	assert.Equal(t, NewHoldNotFoundError().Error(), err.Error())
}

func TestReleaseAll(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	setupLedger(t, svc)
	seedBalance(t, svc, 1, 1_000_000)
	seedBalance(t, svc, 2, 1_000_000)
	ledger := NewEscrowLedger(svc.DB)

	_, err = ledger.Hold(1, 1, constants.ESCROW_TYPE_TRADE, 500_000)
	require.NoError(t, err)
	_, err = ledger.Hold(1, 2, constants.ESCROW_TYPE_BOND, 100_000)
	require.NoError(t, err)

	require.NoError(t, ledger.ReleaseAll(1))

	assert.Equal(t, int64(1_000_000), queries.GetAvailableBalanceMsat(svc.DB, 1))
	assert.Equal(t, int64(1_000_000), queries.GetAvailableBalanceMsat(svc.DB, 2))
}
