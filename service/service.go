package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"gorm.io/gorm"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/peerbits/tradehub/chain"
	"github.com/peerbits/tradehub/chain/bitcoind"
	"github.com/peerbits/tradehub/config"
	"github.com/peerbits/tradehub/db"
	"github.com/peerbits/tradehub/db/migrations"
	"github.com/peerbits/tradehub/escrow"
	"github.com/peerbits/tradehub/events"
	"github.com/peerbits/tradehub/lnclient"
	"github.com/peerbits/tradehub/lnclient/lnd"
	"github.com/peerbits/tradehub/logger"
	"github.com/peerbits/tradehub/orders"
	"github.com/peerbits/tradehub/payments"
	"github.com/peerbits/tradehub/pkg/version"
	"github.com/peerbits/tradehub/robots"
	"github.com/peerbits/tradehub/swaps"
	"github.com/peerbits/tradehub/webhooks"
)

type service struct {
	cfg config.Config

	db                *gorm.DB
	lnClient          lnclient.LNClient
	chainClient       chain.ChainClient
	eventPublisher    events.EventPublisher
	escrowLedger      escrow.EscrowLedger
	paymentsService   payments.PaymentsService
	swapsService      swaps.SwapsService
	ordersService     orders.OrdersService
	robotsService     robots.RobotsService
	webhookDispatcher webhooks.WebhookDispatcher
	scheduler         *orders.Scheduler
	ctx               context.Context
}

func NewService(ctx context.Context) (*service, error) {
	// Load config from environment variables / .env file
	godotenv.Load(".env")
	appConfig := &config.AppConfig{}
	err := envconfig.Process("", appConfig)
	if err != nil {
		return nil, err
	}

	logger.Init(appConfig.LogLevel)
	logger.Logger.Info().Msg("Tradehub " + version.Tag)

	if appConfig.Workdir == "" {
		appConfig.Workdir = filepath.Join(xdg.DataHome, "/tradehub")
		logger.Logger.Info().Interface("workdir", appConfig.Workdir).Msg("No workdir specified, using default")
	}
	// make sure workdir exists
	os.MkdirAll(appConfig.Workdir, os.ModePerm)

	if appConfig.LogToFile {
		err = logger.AddFileLogger(appConfig.Workdir)
		if err != nil {
			return nil, err
		}
	}

	// If DATABASE_URI is a URI or a path, leave it unchanged.
	// If it only contains a filename, prepend the workdir.
	if !strings.HasPrefix(appConfig.DatabaseUri, "file:") {
		databasePath, _ := filepath.Split(appConfig.DatabaseUri)
		if databasePath == "" {
			appConfig.DatabaseUri = filepath.Join(appConfig.Workdir, appConfig.DatabaseUri)
		}
	}

	gormDB, err := db.NewDB(appConfig.DatabaseUri, appConfig.LogDBQueries)
	if err != nil {
		return nil, err
	}
	err = migrations.Migrate(gormDB)
	if err != nil {
		return nil, err
	}

	cfg := config.NewConfig(appConfig)

	lnClient, err := lnd.NewLNDService(ctx, appConfig.LNDAddress, appConfig.LNDMacaroonHex)
	if err != nil {
		return nil, err
	}

	chainClient, err := bitcoind.NewBitcoindService(appConfig.BitcoindRpcUrl, appConfig.BitcoindRpcUser, appConfig.BitcoindRpcPassword, appConfig.FeeEstimateTarget)
	if err != nil {
		return nil, err
	}

	eventPublisher := events.NewEventPublisher()
	eventPublisher.SetGlobalProperty("version", version.Tag)
	eventPublisher.SetGlobalProperty("node_pubkey", lnClient.GetPubkey())

	escrowLedger := escrow.NewEscrowLedger(gormDB)
	paymentsService := payments.NewPaymentsService(gormDB, eventPublisher, lnClient)
	swapsService := swaps.NewSwapsService(gormDB, cfg, chainClient)
	ordersService := orders.NewOrdersService(gormDB, cfg, eventPublisher, escrowLedger, paymentsService, swapsService)
	robotsService := robots.NewRobotsService(gormDB)

	webhookDispatcher := webhooks.NewWebhookDispatcher(gormDB, appConfig.WebhookWorkers)
	webhookDispatcher.Start(ctx)
	eventPublisher.RegisterSubscriber(webhookDispatcher)

	scheduler := orders.NewScheduler(gormDB, cfg, ordersService)
	scheduler.Start(ctx)

	svc := &service{
		cfg:               cfg,
		ctx:               ctx,
		db:                gormDB,
		lnClient:          lnClient,
		chainClient:       chainClient,
		eventPublisher:    eventPublisher,
		escrowLedger:      escrowLedger,
		paymentsService:   paymentsService,
		swapsService:      swapsService,
		ordersService:     ordersService,
		robotsService:     robotsService,
		webhookDispatcher: webhookDispatcher,
		scheduler:         scheduler,
	}

	eventPublisher.Publish(&events.Event{
		Event: "tradehub_started",
		Properties: map[string]interface{}{
			"version": version.Tag,
		},
	})

	return svc, nil
}

func (svc *service) Shutdown() {
	svc.eventPublisher.PublishSync(&events.Event{
		Event: "tradehub_stopped",
	})
	svc.scheduler.Shutdown()
	svc.eventPublisher.RemoveSubscriber(svc.webhookDispatcher)
	svc.webhookDispatcher.Shutdown()
	db.Stop(svc.db)
}

func (svc *service) GetDB() *gorm.DB {
	return svc.db
}

func (svc *service) GetConfig() config.Config {
	return svc.cfg
}

func (svc *service) GetEventPublisher() events.EventPublisher {
	return svc.eventPublisher
}

func (svc *service) GetLNClient() lnclient.LNClient {
	return svc.lnClient
}

func (svc *service) GetOrdersService() orders.OrdersService {
	return svc.ordersService
}

func (svc *service) GetRobotsService() robots.RobotsService {
	return svc.robotsService
}

func (svc *service) GetPaymentsService() payments.PaymentsService {
	return svc.paymentsService
}

func (svc *service) GetSwapsService() swaps.SwapsService {
	return svc.swapsService
}

func (svc *service) GetEscrowLedger() escrow.EscrowLedger {
	return svc.escrowLedger
}
