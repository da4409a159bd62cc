package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/SirClappington/mktops/internal/events"
)

const (
	NamespaceReturns = "returns"
	NamespaceOrders  = "orders"
	NamespaceStats   = "stats"
)

// Invalidator maps domain write events to cache invalidation so that
// mutating code never touches cache keys directly.
type Invalidator struct {
	store *Store
	log   *zap.Logger
}

func NewInvalidator(store *Store, log *zap.Logger) *Invalidator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Invalidator{store: store, log: log}
}

func (i *Invalidator) OnResourceCreated(namespace string) {
	n := i.store.Invalidate(namespace + ":")
	n += i.store.Invalidate(NamespaceStats + ":")
	i.log.Debug("cache invalidated on create", zap.String("namespace", namespace), zap.Int("removed", n))
}

// OnResourceUpdated drops the item entry and, conservatively, every list
// entry of the namespace.
func (i *Invalidator) OnResourceUpdated(namespace, id string) {
	i.store.Delete(ItemKey(namespace, id))
	n := i.store.Invalidate(namespace + ":")
	n += i.store.Invalidate(NamespaceStats + ":")
	i.log.Debug("cache invalidated on update",
		zap.String("namespace", namespace), zap.String("id", id), zap.Int("removed", n))
}

func (i *Invalidator) OnResetAll() {
	n := i.store.Invalidate("")
	i.log.Info("cache reset", zap.Int("removed", n))
}

// Subscriber is the part of the event bus the invalidator consumes.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan events.Event, error)
}

// Listen dispatches bus events to the hooks until ctx is done. It returns
// once all subscriptions are in place.
func (i *Invalidator) Listen(ctx context.Context, sub Subscriber) error {
	handlers := map[string]func(events.Event){
		events.TopicResourceCreated: func(e events.Event) { i.OnResourceCreated(e.Resource) },
		events.TopicResourceUpdated: func(e events.Event) { i.OnResourceUpdated(e.Resource, e.ResourceID) },
		events.TopicCacheReset:      func(events.Event) { i.OnResetAll() },
		events.TopicStatsRefreshed:  func(events.Event) { i.store.Invalidate(NamespaceStats + ":") },
	}

	var wg sync.WaitGroup
	for topic, h := range handlers {
		ch, err := sub.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(ch <-chan events.Event, h func(events.Event)) {
			defer wg.Done()
			for evt := range ch {
				h(evt)
			}
		}(ch, h)
	}
	go func() {
		wg.Wait()
		i.log.Debug("cache invalidator stopped")
	}()
	return nil
}
