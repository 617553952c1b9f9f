package orders

import (
	"context"
	"time"

	"github.com/peerbits/tradehub/config"
	"github.com/peerbits/tradehub/constants"
	"github.com/peerbits/tradehub/db"
	"github.com/peerbits/tradehub/logger"
	"gorm.io/gorm"
)

// Scheduler sweeps the order table and applies the default resolution to
// orders whose deadline elapsed. Every deadline is enforced here rather
// than with per-order timers, so a restart never loses an expiry.
type Scheduler struct {
	db            *gorm.DB
	cfg           config.Config
	ordersService OrdersService
	stop          chan struct{}
	done          chan struct{}
}

func NewScheduler(gormDB *gorm.DB, cfg config.Config, ordersService OrdersService) *Scheduler {
	return &Scheduler{
		db:            gormDB,
		cfg:           cfg,
		ordersService: ordersService,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (scheduler *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(scheduler.done)
		ticker := time.NewTicker(scheduler.cfg.GetSchedulerInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-scheduler.stop:
				return
			case <-ticker.C:
				scheduler.sweep()
			}
		}
	}()
}

func (scheduler *Scheduler) Shutdown() {
	close(scheduler.stop)
	<-scheduler.done
}

func (scheduler *Scheduler) sweep() {
	now := time.Now()

	var orders []db.Order
	err := scheduler.db.Where("state NOT IN ?", []string{
		constants.ORDER_STATE_DISPUTED,
		constants.ORDER_STATE_CANCELLED,
		constants.ORDER_STATE_FINALIZED,
	}).Find(&orders).Error
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to list orders for expiry sweep")
		return
	}

	for i := range orders {
		order := &orders[i]

		if order.State == constants.ORDER_STATE_PAID_OUT {
			_, err = scheduler.ordersService.Finalize(order.ID)
			if err != nil {
				logger.Logger.Error().Err(err).Uint("order_id", order.ID).Msg("Failed to finalize paid out order")
			}
			continue
		}

		if !isExpired(order, now) {
			continue
		}

		logger.Logger.Info().
			Uint("order_id", order.ID).
			Str("state", order.State).
			Msg("Expiring order past its deadline")

		_, err = scheduler.ordersService.Expire(order.ID)
		if err != nil {
			logger.Logger.Error().Err(err).Uint("order_id", order.ID).Msg("Failed to expire order")
		}
	}
}

// isExpired reports whether the order's active deadline has elapsed. Once
// the contract finalization time is set it is the only deadline; before
// that, the escrow duration counts from the last state change.
func isExpired(order *db.Order, now time.Time) bool {
	if order.ContractFinalizationTime != nil {
		return now.After(*order.ContractFinalizationTime)
	}
	if order.LastSatoshisTime != nil {
		deadline := order.LastSatoshisTime.Add(time.Duration(order.EscrowDuration) * time.Second)
		return now.After(deadline)
	}
	return false
}
