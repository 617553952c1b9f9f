package tests

import (
	"fmt"
	"testing"

	"gorm.io/gorm"

	"github.com/peerbits/tradehub/config"
	"github.com/peerbits/tradehub/db"
	"github.com/peerbits/tradehub/db/migrations"
	"github.com/peerbits/tradehub/events"
	"github.com/peerbits/tradehub/logger"
)

func init() {
	logger.Init("5")
}

type TestService struct {
	DB             *gorm.DB
	Cfg            config.Config
	EventPublisher events.EventPublisher
	LNClient       *MockLNClient
	ChainClient    *MockChainClient
}

var testDBCount = 0

// CreateTestService spins up an isolated in-memory database with the full
// schema plus mock node collaborators.
func CreateTestService(t *testing.T) (*TestService, error) {
	testDBCount++
	uri := fmt.Sprintf("file:testdb_%d_%s?mode=memory&cache=shared", testDBCount, t.Name())

	gormDB, err := db.NewDB(uri, false)
	if err != nil {
		return nil, err
	}
	err = migrations.Migrate(gormDB)
	if err != nil {
		return nil, err
	}

	appConfig := &config.AppConfig{
		SchedulerInterval:  1,
		SwapServiceFeeRate: 1.0,
		CollectTimeout:     600,
		WebhookWorkers:     2,
	}

	return &TestService{
		DB:             gormDB,
		Cfg:            config.NewConfig(appConfig),
		EventPublisher: events.NewEventPublisher(),
		LNClient:       NewMockLNClient(),
		ChainClient:    NewMockChainClient(),
	}, nil
}

func (svc *TestService) Remove() {
	db.Stop(svc.DB)
}
