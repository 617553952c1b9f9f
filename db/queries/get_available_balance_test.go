package queries

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbits/tradehub/constants"
	"github.com/peerbits/tradehub/db"
	"github.com/peerbits/tradehub/tests"
)

func TestGetAvailableBalanceMsat(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	tests.CreateRobotFixture(t, svc, 1)
	for orderId := uint(1); orderId <= 6; orderId++ {
		tests.CreateOrderFixture(t, svc, orderId, 1)
	}

	// settled inbound credit
	require.NoError(t, svc.DB.Create(&db.LnPayment{
		OrderId:    1,
		RobotId:    1,
		Direction:  constants.PAYMENT_DIRECTION_INCOMING,
		State:      constants.PAYMENT_STATE_SETTLED,
		AmountMsat: 2_000_000,
	}).Error)
	// pending inbound does not count
	require.NoError(t, svc.DB.Create(&db.LnPayment{
		OrderId:    2,
		RobotId:    1,
		Direction:  constants.PAYMENT_DIRECTION_INCOMING,
		State:      constants.PAYMENT_STATE_PENDING,
		AmountMsat: 5_000_000,
	}).Error)
	// settled outgoing debits amount plus fee
	require.NoError(t, svc.DB.Create(&db.LnPayment{
		OrderId:    3,
		RobotId:    1,
		Direction:  constants.PAYMENT_DIRECTION_OUTGOING,
		State:      constants.PAYMENT_STATE_SETTLED,
		AmountMsat: 400_000,
		FeeMsat:    1_000,
	}).Error)
	// pending outgoing debits amount plus the full fee reserve
	require.NoError(t, svc.DB.Create(&db.LnPayment{
		OrderId:        4,
		RobotId:        1,
		Direction:      constants.PAYMENT_DIRECTION_OUTGOING,
		State:          constants.PAYMENT_STATE_PENDING,
		AmountMsat:     100_000,
		FeeReserveMsat: 2_000,
	}).Error)
	// active hold debits
	require.NoError(t, svc.DB.Create(&db.EscrowEntry{
		OrderId:    5,
		RobotId:    1,
		Type:       constants.ESCROW_TYPE_TRADE,
		State:      constants.ESCROW_STATE_HELD,
		AmountMsat: 300_000,
	}).Error)
	// released hold does not
	require.NoError(t, svc.DB.Create(&db.EscrowEntry{
		OrderId:    6,
		RobotId:    1,
		Type:       constants.ESCROW_TYPE_BOND,
		State:      constants.ESCROW_STATE_RELEASED,
		AmountMsat: 700_000,
	}).Error)

	balance := GetAvailableBalanceMsat(svc.DB, 1)
	assert.Equal(t, int64(2_000_000-400_000-1_000-100_000-2_000-300_000), balance)
}

func TestGetAvailableBalanceMsat_Forfeiture(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	tests.CreateRobotFixture(t, svc, 1)
	tests.CreateOrderFixture(t, svc, 1, 1)

	require.NoError(t, svc.DB.Create(&db.LnPayment{
		OrderId:    1,
		RobotId:    1,
		Direction:  constants.PAYMENT_DIRECTION_INCOMING,
		State:      constants.PAYMENT_STATE_SETTLED,
		AmountMsat: 1_000_000,
	}).Error)

	beneficiary := uint(2)
	require.NoError(t, svc.DB.Create(&db.EscrowEntry{
		OrderId:       1,
		RobotId:       1,
		Type:          constants.ESCROW_TYPE_TRADE,
		State:         constants.ESCROW_STATE_FORFEITED,
		AmountMsat:    600_000,
		BeneficiaryId: &beneficiary,
	}).Error)

	// forfeited amount stays debited from the holder and is credited to
	// the beneficiary
	assert.Equal(t, int64(400_000), GetAvailableBalanceMsat(svc.DB, 1))
	assert.Equal(t, int64(600_000), GetAvailableBalanceMsat(svc.DB, 2))
}
