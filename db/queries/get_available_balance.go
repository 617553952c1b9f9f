package queries

import (
	"github.com/peerbits/tradehub/constants"
	"gorm.io/gorm"
)

// GetAvailableBalanceMsat returns the balance a robot can still collateralize:
// settled incoming payments plus forfeitures credited to it, minus outgoing
// payments (settled and in-flight, including fee reserves) and active holds.
func GetAvailableBalanceMsat(tx *gorm.DB, robotId uint) int64 {
	var received struct {
		Sum int64
	}
	tx.
		Table("ln_payments").
		Select("SUM(amount_msat) as sum").
		Where("robot_id = ? AND direction = ? AND state = ?", robotId, constants.PAYMENT_DIRECTION_INCOMING, constants.PAYMENT_STATE_SETTLED).
		Scan(&received)

	var credited struct {
		Sum int64
	}
	tx.
		Table("escrow_entries").
		Select("SUM(amount_msat) as sum").
		Where("beneficiary_id = ? AND state = ?", robotId, constants.ESCROW_STATE_FORFEITED).
		Scan(&credited)

	var spent struct {
		Sum int64
	}
	tx.
		Table("ln_payments").
		Select("SUM(amount_msat + fee_msat + fee_reserve_msat) as sum").
		Where("robot_id = ? AND direction = ? AND (state = ? OR state = ?)", robotId, constants.PAYMENT_DIRECTION_OUTGOING, constants.PAYMENT_STATE_SETTLED, constants.PAYMENT_STATE_PENDING).
		Scan(&spent)

	var held struct {
		Sum int64
	}
	tx.
		Table("escrow_entries").
		Select("SUM(amount_msat) as sum").
		Where("robot_id = ? AND (state = ? OR state = ?)", robotId, constants.ESCROW_STATE_HELD, constants.ESCROW_STATE_FORFEITED).
		Scan(&held)

	return received.Sum + credited.Sum - spent.Sum - held.Sum
}
