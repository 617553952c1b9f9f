package events

import (
	"context"
	"slices"
	"sync"

	"github.com/peerbits/tradehub/logger"
)

type Event struct {
	Event      string      `json:"event"`
	Properties interface{} `json:"properties,omitempty"`
}

type EventSubscriber interface {
	ConsumeEvent(ctx context.Context, event *Event, globalProperties map[string]interface{})
}

type EventPublisher interface {
	RegisterSubscriber(subscriber EventSubscriber)
	RemoveSubscriber(subscriber EventSubscriber)
	SetGlobalProperty(key string, value interface{})
	Publish(event *Event)
	PublishSync(event *Event)
}

type eventPublisher struct {
	listeners        []EventSubscriber
	subscriberMtx    sync.Mutex
	globalProperties map[string]interface{}
}

func NewEventPublisher() *eventPublisher {
	return &eventPublisher{
		listeners:        []EventSubscriber{},
		globalProperties: map[string]interface{}{},
	}
}

func (ep *eventPublisher) RegisterSubscriber(listener EventSubscriber) {
	ep.subscriberMtx.Lock()
	defer ep.subscriberMtx.Unlock()
	ep.listeners = append(ep.listeners, listener)
}

func (ep *eventPublisher) RemoveSubscriber(listenerToRemove EventSubscriber) {
	ep.subscriberMtx.Lock()
	defer ep.subscriberMtx.Unlock()

	for i, listener := range ep.listeners {
		if listener == listenerToRemove {
			ep.listeners = slices.Delete(ep.listeners, i, i+1)
			break
		}
	}
}

func (ep *eventPublisher) SetGlobalProperty(key string, value interface{}) {
	ep.subscriberMtx.Lock()
	defer ep.subscriberMtx.Unlock()
	ep.globalProperties[key] = value
}

// Publish delivers the event to every subscriber on its own goroutine.
// Subscribers must not rely on delivery completing before Publish returns.
func (ep *eventPublisher) Publish(event *Event) {
	ep.publish(event, false)
}

// PublishSync waits until every subscriber has consumed the event.
func (ep *eventPublisher) PublishSync(event *Event) {
	ep.publish(event, true)
}

func (ep *eventPublisher) publish(event *Event, waitForConsumers bool) {
	ep.subscriberMtx.Lock()
	listeners := slices.Clone(ep.listeners)
	globalProperties := ep.globalProperties
	ep.subscriberMtx.Unlock()

	logger.Logger.Debug().
		Str("event", event.Event).
		Msg("Publishing event")

	var wg sync.WaitGroup
	for _, listener := range listeners {
		wg.Add(1)
		go func(listener EventSubscriber) {
			defer wg.Done()
			listener.ConsumeEvent(context.Background(), event, globalProperties)
		}(listener)
	}
	if waitForConsumers {
		wg.Wait()
	}
}
