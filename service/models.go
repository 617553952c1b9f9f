package service

import (
	"github.com/peerbits/tradehub/config"
	"github.com/peerbits/tradehub/escrow"
	"github.com/peerbits/tradehub/events"
	"github.com/peerbits/tradehub/lnclient"
	"github.com/peerbits/tradehub/orders"
	"github.com/peerbits/tradehub/payments"
	"github.com/peerbits/tradehub/robots"
	"github.com/peerbits/tradehub/swaps"
	"gorm.io/gorm"
)

type Service interface {
	GetDB() *gorm.DB
	GetConfig() config.Config
	GetEventPublisher() events.EventPublisher
	GetLNClient() lnclient.LNClient
	GetOrdersService() orders.OrdersService
	GetRobotsService() robots.RobotsService
	GetPaymentsService() payments.PaymentsService
	GetSwapsService() swaps.SwapsService
	GetEscrowLedger() escrow.EscrowLedger
	Shutdown()
}
