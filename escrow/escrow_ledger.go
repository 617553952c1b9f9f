package escrow

import (
	"errors"
	"sync"

	"github.com/peerbits/tradehub/constants"
	"github.com/peerbits/tradehub/db"
	"github.com/peerbits/tradehub/db/queries"
	"github.com/peerbits/tradehub/logger"
	"gorm.io/gorm"
)

type escrowLedger struct {
	db *gorm.DB
}

type EscrowLedger interface {
	Hold(orderId uint, robotId uint, entryType string, amountMsat uint64) (*db.EscrowEntry, error)
	HoldIn(tx *gorm.DB, orderId uint, robotId uint, entryType string, amountMsat uint64) (*db.EscrowEntry, error)
	Release(orderId uint, robotId uint) error
	ReleaseAll(orderId uint) error
	Forfeit(orderId uint, robotId uint, beneficiaryId uint) (*db.EscrowEntry, error)
	GetHold(orderId uint, robotId uint) (*db.EscrowEntry, error)
}

type insufficientFundsError struct {
}

func NewInsufficientFundsError() error {
	return &insufficientFundsError{}
}

func (err *insufficientFundsError) Error() string {
	return "Insufficient available balance to cover the requested hold"
}

type holdConflictError struct {
}

func NewHoldConflictError() error {
	return &holdConflictError{}
}

func (err *holdConflictError) Error() string {
	return "A hold already exists for this order and participant"
}

type holdNotFoundError struct {
}

func NewHoldNotFoundError() error {
	return &holdNotFoundError{}
}

func (err *holdNotFoundError) Error() string {
	return "No active hold exists for this order and participant"
}

// Prevent races when checking the available balance and creating holds
// from concurrent goroutines.
var holdValidationLock = &sync.Mutex{}

func NewEscrowLedger(gormDB *gorm.DB) *escrowLedger {
	return &escrowLedger{
		db: gormDB,
	}
}

func (ledger *escrowLedger) Hold(orderId uint, robotId uint, entryType string, amountMsat uint64) (*db.EscrowEntry, error) {
	return ledger.HoldIn(ledger.db, orderId, robotId, entryType, amountMsat)
}

// HoldIn creates the hold inside the caller's transaction, so a caller can
// roll the hold back together with its own writes. Callers must not have
// written anything on the transaction yet, the balance validation lock is
// taken here.
func (ledger *escrowLedger) HoldIn(gormDB *gorm.DB, orderId uint, robotId uint, entryType string, amountMsat uint64) (*db.EscrowEntry, error) {
	var entry db.EscrowEntry

	holdValidationLock.Lock()
	defer holdValidationLock.Unlock()

	err := gormDB.Transaction(func(tx *gorm.DB) error {
		var existing db.EscrowEntry
		result := tx.Limit(1).Find(&existing, &db.EscrowEntry{
			OrderId: orderId,
			RobotId: robotId,
			State:   constants.ESCROW_STATE_HELD,
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return NewHoldConflictError()
		}

		// compare unsigned, amounts above MaxInt64 msat must not wrap
		balance := queries.GetAvailableBalanceMsat(tx, robotId)
		if balance < 0 || uint64(balance) < amountMsat {
			logger.Logger.Debug().
				Uint("robot_id", robotId).
				Int64("balance", balance).
				Uint64("amount_msat", amountMsat).
				Msg("Insufficient balance for collateral hold")
			return NewInsufficientFundsError()
		}

		entry = db.EscrowEntry{
			OrderId:    orderId,
			RobotId:    robotId,
			Type:       entryType,
			State:      constants.ESCROW_STATE_HELD,
			AmountMsat: amountMsat,
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}

	logger.Logger.Info().
		Uint("order_id", orderId).
		Uint("robot_id", robotId).
		Str("type", entryType).
		Uint64("amount_msat", amountMsat).
		Msg("Created collateral hold")

	return &entry, nil
}

// Release is idempotent: releasing a missing or already-released hold is a
// no-op. Releasing a forfeited hold is an error, forfeiture is irreversible.
func (ledger *escrowLedger) Release(orderId uint, robotId uint) error {
	return ledger.db.Transaction(func(tx *gorm.DB) error {
		return releaseInTx(tx, orderId, robotId)
	})
}

func releaseInTx(tx *gorm.DB, orderId uint, robotId uint) error {
	var entry db.EscrowEntry
	result := tx.Limit(1).Order("created_at desc").Find(&entry, &db.EscrowEntry{
		OrderId: orderId,
		RobotId: robotId,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 || entry.State == constants.ESCROW_STATE_RELEASED {
		return nil
	}
	if entry.State == constants.ESCROW_STATE_FORFEITED {
		return errors.New("cannot release a forfeited hold")
	}

	err := tx.Model(&entry).Update("state", constants.ESCROW_STATE_RELEASED).Error
	if err != nil {
		return err
	}

	logger.Logger.Info().
		Uint("order_id", orderId).
		Uint("robot_id", robotId).
		Uint64("amount_msat", entry.AmountMsat).
		Msg("Released collateral hold")
	return nil
}

// ReleaseAll releases every active hold on the order.
func (ledger *escrowLedger) ReleaseAll(orderId uint) error {
	return ledger.db.Transaction(func(tx *gorm.DB) error {
		var entries []db.EscrowEntry
		result := tx.Find(&entries, &db.EscrowEntry{
			OrderId: orderId,
			State:   constants.ESCROW_STATE_HELD,
		})
		if result.Error != nil {
			return result.Error
		}
		for _, entry := range entries {
			if err := releaseInTx(tx, orderId, entry.RobotId); err != nil {
				return err
			}
		}
		return nil
	})
}

func (ledger *escrowLedger) Forfeit(orderId uint, robotId uint, beneficiaryId uint) (*db.EscrowEntry, error) {
	var entry db.EscrowEntry
	err := ledger.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Limit(1).Order("created_at desc").Find(&entry, &db.EscrowEntry{
			OrderId: orderId,
			RobotId: robotId,
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 || entry.State == constants.ESCROW_STATE_RELEASED {
			return NewHoldNotFoundError()
		}
		if entry.State == constants.ESCROW_STATE_FORFEITED {
			// already forfeited, keep the original beneficiary
			return nil
		}

		return tx.Model(&entry).Updates(map[string]interface{}{
			"state":          constants.ESCROW_STATE_FORFEITED,
			"beneficiary_id": &beneficiaryId,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	logger.Logger.Info().
		Uint("order_id", orderId).
		Uint("robot_id", robotId).
		Uint("beneficiary_id", beneficiaryId).
		Uint64("amount_msat", entry.AmountMsat).
		Msg("Forfeited collateral hold")

	return &entry, nil
}

func (ledger *escrowLedger) GetHold(orderId uint, robotId uint) (*db.EscrowEntry, error) {
	var entry db.EscrowEntry
	result := ledger.db.Limit(1).Find(&entry, &db.EscrowEntry{
		OrderId: orderId,
		RobotId: robotId,
		State:   constants.ESCROW_STATE_HELD,
	})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, NewHoldNotFoundError()
	}
	return &entry, nil
}
