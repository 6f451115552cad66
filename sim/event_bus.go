package sim

import (
	"fmt"
	"reflect"
)

type subscription struct {
	subscriber owner
	handler    func(event any) error
	removed    bool
}

// eventBus dispatches released events to the handlers registered for the
// event's exact runtime type. There is no inheritance-based matching.
type eventBus struct {
	subscriptions map[reflect.Type][]*subscription
}

func newEventBus() *eventBus {
	return &eventBus{subscriptions: make(map[reflect.Type][]*subscription)}
}

func (b *eventBus) subscribe(eventClass reflect.Type, subscriber owner, handler func(any) error) error {
	if handler == nil {
		return ErrNilEventHandler
	}
	if eventClass == nil || eventClass.Kind() == reflect.Interface {
		return fmt.Errorf("%w: %v", ErrInvalidEventClass, eventClass)
	}
	for _, sub := range b.subscriptions[eventClass] {
		if sub.subscriber == subscriber {
			return fmt.Errorf("%w: %s already subscribed to %v", ErrDuplicateEventSubscription, subscriber, eventClass)
		}
	}
	b.subscriptions[eventClass] = append(b.subscriptions[eventClass], &subscription{
		subscriber: subscriber,
		handler:    handler,
	})
	return nil
}

// unsubscribe is a no-op when the subscription does not exist.
func (b *eventBus) unsubscribe(eventClass reflect.Type, subscriber owner) {
	subs := b.subscriptions[eventClass]
	for i, sub := range subs {
		if sub.subscriber == subscriber {
			sub.removed = true
			b.subscriptions[eventClass] = append(subs[:i:i], subs[i+1:]...)
			if len(b.subscriptions[eventClass]) == 0 {
				delete(b.subscriptions, eventClass)
			}
			return
		}
	}
}

// unsubscribeAll drops every subscription held by subscriber.
func (b *eventBus) unsubscribeAll(subscriber owner) {
	for eventClass := range b.subscriptions {
		b.unsubscribe(eventClass, subscriber)
	}
}

// publish invokes handlers synchronously in registration order. Handlers
// removed by an earlier handler during the same publish are skipped.
// The first handler error stops dispatch and is returned.
func (b *eventBus) publish(event any) error {
	if event == nil {
		return ErrNilEvent
	}
	subs := b.subscriptions[reflect.TypeOf(event)]
	if len(subs) == 0 {
		return nil
	}
	snapshot := make([]*subscription, len(subs))
	copy(snapshot, subs)
	for _, sub := range snapshot {
		if sub.removed {
			continue
		}
		if err := sub.handler(event); err != nil {
			return err
		}
	}
	return nil
}

func (b *eventBus) subscriberCount(eventClass reflect.Type) int {
	return len(b.subscriptions[eventClass])
}
