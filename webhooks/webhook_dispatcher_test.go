package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbits/tradehub/constants"
	"github.com/peerbits/tradehub/db"
	"github.com/peerbits/tradehub/events"
	"github.com/peerbits/tradehub/tests"
)

func init() {
	initialRetryInterval = time.Millisecond
}

func createWebhookRobot(svc *tests.TestService, url string) *db.Robot {
	robot := &db.Robot{
		Pubkey:         "a8b4d1f8e9c2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a1b2c3d4e5f6a7b8",
		WebhookUrl:     url,
		WebhookEnabled: true,
		WebhookApiKey:  "secret-key",
		WebhookTimeout: 2,
		WebhookRetries: 2,
	}
	svc.DB.Create(robot)
	return robot
}

func orderEvent(order *db.Order) *events.Event {
	return &events.Event{
		Event:      constants.TRADE_EVENT_FIAT_SENT,
		Properties: order,
	}
}

func TestDeliver_SignsPayload(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	var receivedBody []byte
	var receivedSignature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		receivedSignature = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	robot := createWebhookRobot(svc, server.URL)
	order := &db.Order{Reference: "ref-1", State: constants.ORDER_STATE_FIAT_SENT, MakerId: robot.ID}
	svc.DB.Create(order)

	dispatcher := NewWebhookDispatcher(svc.DB, 1)
	event := orderEvent(order)
	dispatcher.deliver(context.TODO(), &delivery{
		robotId: robot.ID,
		event:   event,
		payload: buildPayload(event),
	})

	require.NotEmpty(t, receivedBody)
	assert.Equal(t, SignPayload("secret-key", receivedBody), receivedSignature)

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(receivedBody, &payload))
	assert.Equal(t, constants.TRADE_EVENT_FIAT_SENT, payload.Event)
	assert.Equal(t, "ref-1", payload.OrderReference)
	assert.Equal(t, constants.ORDER_STATE_FIAT_SENT, payload.State)
}

func TestDeliver_AttemptsBoundedByRetries(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	robot := createWebhookRobot(svc, server.URL)
	order := &db.Order{Reference: "ref-1", State: constants.ORDER_STATE_FIAT_SENT, MakerId: robot.ID}
	svc.DB.Create(order)

	dispatcher := NewWebhookDispatcher(svc.DB, 1)
	event := orderEvent(order)
	dispatcher.deliver(context.TODO(), &delivery{
		robotId: robot.ID,
		event:   event,
		payload: buildPayload(event),
	})

	// initial attempt plus the configured retries, never more
	assert.Equal(t, int32(robot.WebhookRetries+1), attempts.Load())
}

func TestDeliver_SkipsDisabledRobot(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
	}))
	defer server.Close()

	robot := createWebhookRobot(svc, server.URL)
	order := &db.Order{Reference: "ref-1", State: constants.ORDER_STATE_FIAT_SENT, MakerId: robot.ID}
	svc.DB.Create(order)

	// disable the webhook after the event is built, as if the robot turned
	// it off while the delivery was queued
	svc.DB.Model(robot).Update("webhook_enabled", false)

	dispatcher := NewWebhookDispatcher(svc.DB, 1)
	event := orderEvent(order)
	dispatcher.deliver(context.TODO(), &delivery{
		robotId: robot.ID,
		event:   event,
		payload: buildPayload(event),
	})

	assert.Equal(t, int32(0), attempts.Load())
}

func TestConsumeEvent_NotifiesBothParticipants(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	var deliveries atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deliveries.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	maker := createWebhookRobot(svc, server.URL)
	taker := &db.Robot{
		Pubkey:         "b8b4d1f8e9c2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a1b2c3d4e5f6a7b8",
		WebhookUrl:     server.URL,
		WebhookEnabled: true,
		WebhookApiKey:  "other-key",
	}
	svc.DB.Create(taker)

	order := &db.Order{
		Reference: "ref-1",
		State:     constants.ORDER_STATE_FIAT_SENT,
		MakerId:   maker.ID,
		TakerId:   &taker.ID,
	}
	svc.DB.Create(order)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := NewWebhookDispatcher(svc.DB, 2)
	dispatcher.Start(ctx)

	dispatcher.ConsumeEvent(ctx, orderEvent(order), nil)
	dispatcher.Shutdown()

	assert.Equal(t, int32(2), deliveries.Load())
}

func TestDispatch_DeliversInPublishOrder(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	var mu sync.Mutex
	var received []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload webhookPayload
		_ = json.Unmarshal(body, &payload)
		mu.Lock()
		received = append(received, payload.OrderReference)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	robot := createWebhookRobot(svc, server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := NewWebhookDispatcher(svc.DB, 2)
	dispatcher.Start(ctx)
	svc.EventPublisher.RegisterSubscriber(dispatcher)

	// lifecycle transitions publish synchronously, so enqueueing happens in
	// publish order and deliveries to one robot come out the same way
	var expected []string
	for i := 0; i < 50; i++ {
		reference := fmt.Sprintf("seq-%03d", i)
		expected = append(expected, reference)
		svc.EventPublisher.PublishSync(&events.Event{
			Event: constants.TRADE_EVENT_FIAT_SENT,
			Properties: &db.Order{
				Reference: reference,
				State:     constants.ORDER_STATE_FIAT_SENT,
				MakerId:   robot.ID,
			},
		})
	}
	dispatcher.Shutdown()

	assert.Equal(t, expected, received)
}

func TestConsumeEvent_IgnoresUnrelatedEvents(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	dispatcher := NewWebhookDispatcher(svc.DB, 1)

	// neither panics nor enqueues anything for non-trade events
	dispatcher.ConsumeEvent(context.TODO(), &events.Event{
		Event:      "tradehub_started",
		Properties: map[string]interface{}{"version": "v0.1.0"},
	}, nil)
}
