package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/peerbits/tradehub/constants"
	"github.com/peerbits/tradehub/db"
	"github.com/peerbits/tradehub/events"
	"github.com/peerbits/tradehub/logger"
	"github.com/peerbits/tradehub/metrics"
	"gorm.io/gorm"
)

const SignatureHeader = "X-Tradehub-Signature"

const queueSize = 256

var initialRetryInterval = time.Second

type WebhookDispatcher interface {
	events.EventSubscriber
	Notify(robotId uint, event *events.Event)
	Start(ctx context.Context)
	Shutdown()
}

type webhookDispatcher struct {
	db      *gorm.DB
	workers int
	queues  []chan *delivery
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

// delivery is ephemeral: it exists only for the retry window and is
// discarded after success or exhaustion.
type delivery struct {
	robotId uint
	event   *events.Event
	payload *webhookPayload
}

type webhookPayload struct {
	Event          string      `json:"event"`
	OrderReference string      `json:"order_reference"`
	State          string      `json:"state"`
	Timestamp      string      `json:"timestamp"`
	Data           interface{} `json:"data,omitempty"`
}

func NewWebhookDispatcher(gormDB *gorm.DB, workers int) *webhookDispatcher {
	if workers <= 0 {
		workers = 4
	}
	queues := make([]chan *delivery, workers)
	for i := range queues {
		queues[i] = make(chan *delivery, queueSize)
	}
	return &webhookDispatcher{
		db:      gormDB,
		workers: workers,
		queues:  queues,
	}
}

func (dispatcher *webhookDispatcher) Start(ctx context.Context) {
	for i := 0; i < dispatcher.workers; i++ {
		dispatcher.wg.Add(1)
		go func(queue chan *delivery) {
			defer dispatcher.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-queue:
					if !ok {
						return
					}
					metrics.WebhookQueueDepth.Dec()
					dispatcher.deliver(ctx, d)
				}
			}
		}(dispatcher.queues[i])
	}
}

func (dispatcher *webhookDispatcher) Shutdown() {
	dispatcher.mu.Lock()
	if !dispatcher.closed {
		dispatcher.closed = true
		for _, queue := range dispatcher.queues {
			close(queue)
		}
	}
	dispatcher.mu.Unlock()
	dispatcher.wg.Wait()
}

// ConsumeEvent fans order lifecycle events out to the order's participants.
// It never blocks the publishing transition.
func (dispatcher *webhookDispatcher) ConsumeEvent(ctx context.Context, event *events.Event, globalProperties map[string]interface{}) {
	if !strings.HasPrefix(event.Event, "trade_order") &&
		!strings.HasPrefix(event.Event, "trade_escrow") &&
		!strings.HasPrefix(event.Event, "trade_chat") &&
		!strings.HasPrefix(event.Event, "trade_fiat") {
		return
	}

	order, ok := event.Properties.(*db.Order)
	if !ok {
		logger.Logger.Error().Interface("event", event).Msg("Failed to cast event properties to order")
		return
	}

	dispatcher.Notify(order.MakerId, event)
	if order.TakerId != nil {
		dispatcher.Notify(*order.TakerId, event)
	}
}

// Notify enqueues the event for the robot. A robot always maps onto the
// same worker, which keeps delivery FIFO per robot.
func (dispatcher *webhookDispatcher) Notify(robotId uint, event *events.Event) {
	d := &delivery{
		robotId: robotId,
		event:   event,
		payload: buildPayload(event),
	}

	dispatcher.mu.RLock()
	defer dispatcher.mu.RUnlock()
	if dispatcher.closed {
		return
	}

	queue := dispatcher.queues[int(robotId)%dispatcher.workers]
	select {
	case queue <- d:
		metrics.WebhookQueueDepth.Inc()
	default:
		logger.Logger.Warn().
			Uint("robot_id", robotId).
			Str("event", event.Event).
			Msg("Webhook queue full, dropping event")
	}
}

func buildPayload(event *events.Event) *webhookPayload {
	payload := &webhookPayload{
		Event:     event.Event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if order, ok := event.Properties.(*db.Order); ok {
		payload.OrderReference = order.Reference
		payload.State = order.State
	} else {
		payload.Data = event.Properties
	}
	return payload
}

// deliver performs the HTTP delivery with the robot's configured timeout and
// retry count. Failures are logged and dropped; they never propagate.
func (dispatcher *webhookDispatcher) deliver(ctx context.Context, d *delivery) {
	// the robot's config is read at delivery time, so disabling the
	// webhook after an event was enqueued silently skips it
	var robot db.Robot
	result := dispatcher.db.Limit(1).Find(&robot, &db.Robot{ID: d.robotId})
	if result.Error != nil {
		logger.Logger.Error().Err(result.Error).Uint("robot_id", d.robotId).Msg("Failed to load robot for webhook delivery")
		return
	}
	if result.RowsAffected == 0 || !robot.WebhookEnabled || robot.WebhookUrl == "" {
		return
	}

	body, err := json.Marshal(d.payload)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to serialize webhook payload")
		return
	}

	timeout := time.Duration(robot.WebhookTimeout) * time.Second
	if timeout == 0 {
		timeout = constants.DEFAULT_WEBHOOK_TIMEOUT * time.Second
	}
	retries := robot.WebhookRetries
	if retries > constants.MAX_WEBHOOK_RETRIES {
		retries = constants.MAX_WEBHOOK_RETRIES
	}

	client := &http.Client{Timeout: timeout}

	attempts := 0
	operation := func() error {
		attempts++
		return dispatcher.attemptDelivery(ctx, client, &robot, body)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = initialRetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(retries)), ctx)

	err = backoff.Retry(operation, policy)
	if err != nil {
		logger.Logger.Error().Err(err).
			Uint("robot_id", d.robotId).
			Str("event", d.event.Event).
			Int("attempts", attempts).
			Msg("Webhook delivery failed, giving up")
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		return
	}

	logger.Logger.Debug().
		Uint("robot_id", d.robotId).
		Str("event", d.event.Event).
		Int("attempts", attempts).
		Msg("Webhook delivered")
	metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
}

func (dispatcher *webhookDispatcher) attemptDelivery(ctx context.Context, client *http.Client, robot *db.Robot, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, robot.WebhookUrl, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, SignPayload(robot.WebhookApiKey, body))

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// SignPayload derives the delivery signature from the robot's API key.
func SignPayload(apiKey string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
