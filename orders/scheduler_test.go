package orders

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbits/tradehub/constants"
	"github.com/peerbits/tradehub/db"
	"github.com/peerbits/tradehub/tests"
)

func TestSweep(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	ordersService := newTestOrdersService(t, svc)
	scheduler := NewScheduler(svc.DB, svc.Cfg, ordersService)

	past := time.Now().Add(-2 * time.Hour)
	expired := db.Order{
		Reference:        "expired",
		State:            constants.ORDER_STATE_CREATED,
		MakerId:          makerId,
		EscrowDuration:   3600,
		LastSatoshisTime: &past,
	}
	require.NoError(t, svc.DB.Create(&expired).Error)

	recent := time.Now()
	active := db.Order{
		Reference:        "active",
		State:            constants.ORDER_STATE_CREATED,
		MakerId:          makerId,
		EscrowDuration:   3600,
		LastSatoshisTime: &recent,
	}
	require.NoError(t, svc.DB.Create(&active).Error)

	paidOut := db.Order{
		Reference: "paid-out",
		State:     constants.ORDER_STATE_PAID_OUT,
		MakerId:   makerId,
	}
	require.NoError(t, svc.DB.Create(&paidOut).Error)

	scheduler.sweep()

	fetched, err := ordersService.GetOrder(expired.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.ORDER_STATE_CANCELLED, fetched.State)

	fetched, err = ordersService.GetOrder(active.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.ORDER_STATE_CREATED, fetched.State)

	fetched, err = ordersService.GetOrder(paidOut.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.ORDER_STATE_FINALIZED, fetched.State)
}
