package robots

import (
	"errors"

	"github.com/peerbits/tradehub/constants"
	"github.com/peerbits/tradehub/db"
	"github.com/peerbits/tradehub/logger"
	"github.com/peerbits/tradehub/utils"
	"gorm.io/gorm"
)

type robotsService struct {
	db *gorm.DB
}

type Robot = db.Robot

type RegisterRobotRequest struct {
	Pubkey              string `json:"pubkey"`
	EncryptedPrivateKey string `json:"encryptedPrivateKey"`
	UseStealthAddress   bool   `json:"useStealthAddress"`
}

type ConfigureWebhookRequest struct {
	Url     string `json:"url"`
	ApiKey  string `json:"apiKey"`
	Timeout uint32 `json:"timeout"`
	Retries uint32 `json:"retries"`
	Enabled bool   `json:"enabled"`
}

type RobotsService interface {
	Register(request *RegisterRobotRequest) (*Robot, error)
	ConfigureWebhook(robotId uint, request *ConfigureWebhookRequest) (*Robot, error)
	SetDisabled(robotId uint, disabled bool) error
	GetRobot(robotId uint) (*Robot, error)
	GetRobotByPubkey(pubkey string) (*Robot, error)
}

func NewRobotsService(gormDB *gorm.DB) *robotsService {
	return &robotsService{db: gormDB}
}

// Register creates a robot identity. Registration is idempotent on the
// pubkey: re-registering an existing pubkey returns the existing robot.
func (svc *robotsService) Register(request *RegisterRobotRequest) (*Robot, error) {
	err := utils.ValidatePubkey(request.Pubkey)
	if err != nil {
		return nil, err
	}

	var robot db.Robot
	err = svc.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Limit(1).Find(&robot, &db.Robot{Pubkey: request.Pubkey})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}
		robot = db.Robot{
			Pubkey:              request.Pubkey,
			EncryptedPrivateKey: request.EncryptedPrivateKey,
			UseStealthAddress:   request.UseStealthAddress,
			WebhookTimeout:      constants.DEFAULT_WEBHOOK_TIMEOUT,
			WebhookRetries:      constants.DEFAULT_WEBHOOK_RETRIES,
		}
		return tx.Create(&robot).Error
	})
	if err != nil {
		return nil, err
	}

	logger.Logger.Info().
		Uint("robot_id", robot.ID).
		Str("pubkey", request.Pubkey).
		Msg("Registered robot")
	return &robot, nil
}

func (svc *robotsService) ConfigureWebhook(robotId uint, request *ConfigureWebhookRequest) (*Robot, error) {
	if request.Enabled {
		err := utils.ValidateWebhookURL(request.Url)
		if err != nil {
			return nil, err
		}
	}
	retries := request.Retries
	if retries > constants.MAX_WEBHOOK_RETRIES {
		retries = constants.MAX_WEBHOOK_RETRIES
	}
	timeout := request.Timeout
	if timeout == 0 {
		timeout = constants.DEFAULT_WEBHOOK_TIMEOUT
	}

	robot, err := svc.GetRobot(robotId)
	if err != nil {
		return nil, err
	}

	err = svc.db.Model(robot).Updates(map[string]interface{}{
		"webhook_url":     request.Url,
		"webhook_api_key": request.ApiKey,
		"webhook_timeout": timeout,
		"webhook_retries": retries,
		"webhook_enabled": request.Enabled,
	}).Error
	if err != nil {
		return nil, err
	}
	return robot, nil
}

func (svc *robotsService) SetDisabled(robotId uint, disabled bool) error {
	robot, err := svc.GetRobot(robotId)
	if err != nil {
		return err
	}
	return svc.db.Model(robot).Update("disabled", disabled).Error
}

func (svc *robotsService) GetRobot(robotId uint) (*Robot, error) {
	var robot db.Robot
	result := svc.db.Limit(1).Find(&robot, &db.Robot{ID: robotId})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, errors.New("robot not found")
	}
	return &robot, nil
}

func (svc *robotsService) GetRobotByPubkey(pubkey string) (*Robot, error) {
	var robot db.Robot
	result := svc.db.Limit(1).Find(&robot, &db.Robot{Pubkey: pubkey})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, errors.New("robot not found")
	}
	return &robot, nil
}
