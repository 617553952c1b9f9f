package robots

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbits/tradehub/constants"
	"github.com/peerbits/tradehub/tests"
)

const testPubkey = "a8b4d1f8e9c2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a1b2c3d4e5f6a7b8"

func TestRegister(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	robotsService := NewRobotsService(svc.DB)

	robot, err := robotsService.Register(&RegisterRobotRequest{Pubkey: testPubkey})
	require.NoError(t, err)
	assert.Equal(t, uint32(constants.DEFAULT_WEBHOOK_TIMEOUT), robot.WebhookTimeout)
	assert.Equal(t, uint32(constants.DEFAULT_WEBHOOK_RETRIES), robot.WebhookRetries)

	// registering the same pubkey again returns the existing robot
	again, err := robotsService.Register(&RegisterRobotRequest{Pubkey: testPubkey})
	require.NoError(t, err)
	assert.Equal(t, robot.ID, again.ID)
}

func TestRegister_RejectsInvalidPubkey(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	robotsService := NewRobotsService(svc.DB)

	_, err = robotsService.Register(&RegisterRobotRequest{Pubkey: "tooshort"})
	assert.Error(t, err)

	_, err = robotsService.Register(&RegisterRobotRequest{Pubkey: "z8b4d1f8e9c2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a1b2c3d4e5f6a7b8"})
	assert.Error(t, err)
}

func TestConfigureWebhook(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	robotsService := NewRobotsService(svc.DB)
	robot, err := robotsService.Register(&RegisterRobotRequest{Pubkey: testPubkey})
	require.NoError(t, err)

	robot, err = robotsService.ConfigureWebhook(robot.ID, &ConfigureWebhookRequest{
		Url:     "https://example.com/hooks/trades",
		ApiKey:  "secret",
		Timeout: 5,
		Retries: 100,
		Enabled: true,
	})
	require.NoError(t, err)
	assert.True(t, robot.WebhookEnabled)
	assert.Equal(t, uint32(5), robot.WebhookTimeout)
	// retries are capped
	assert.Equal(t, uint32(constants.MAX_WEBHOOK_RETRIES), robot.WebhookRetries)

	// enabling with a bogus URL is rejected
	_, err = robotsService.ConfigureWebhook(robot.ID, &ConfigureWebhookRequest{
		Url:     "ftp://example.com",
		Enabled: true,
	})
	assert.Error(t, err)

	// disabling does not validate the URL
	robot, err = robotsService.ConfigureWebhook(robot.ID, &ConfigureWebhookRequest{Enabled: false})
	require.NoError(t, err)
	assert.False(t, robot.WebhookEnabled)
}
