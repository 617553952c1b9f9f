package tests

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peerbits/tradehub/constants"
	"github.com/peerbits/tradehub/db"
)

// CreateRobotFixture inserts a robot row under the given id so that rows
// referencing it satisfy the schema's foreign keys.
func CreateRobotFixture(t *testing.T, svc *TestService, robotId uint) *db.Robot {
	t.Helper()

	robot := db.Robot{
		ID:     robotId,
		Pubkey: fmt.Sprintf("%064x", robotId),
	}
	require.NoError(t, svc.DB.Create(&robot).Error)
	return &robot
}

// CreateOrderFixture inserts a minimal order owned by the robot.
func CreateOrderFixture(t *testing.T, svc *TestService, orderId uint, makerId uint) *db.Order {
	t.Helper()

	order := db.Order{
		ID:        orderId,
		Reference: fmt.Sprintf("order-%d", orderId),
		State:     constants.ORDER_STATE_CREATED,
		MakerId:   makerId,
	}
	require.NoError(t, svc.DB.Create(&order).Error)
	return &order
}
