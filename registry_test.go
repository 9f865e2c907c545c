package opcua

import (
	"context"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	tdd "github.com/stretchr/testify/assert"
	xlog "go.bryk.io/pkg/log"
)

func TestSubscriptionEffectiveLifetimeCount(t *testing.T) {
	assert := tdd.New(t)

	s := &Subscription{KeepAliveCount: 10, PublishingInterval: 500 * time.Millisecond}
	assert.Equal(uint32(30), s.effectiveLifetimeCount(time.Minute))

	s2 := &Subscription{LifetimeCount: 100, KeepAliveCount: 10, PublishingInterval: time.Second}
	assert.Equal(uint32(100), s2.effectiveLifetimeCount(time.Minute))

	s3 := &Subscription{PublishingInterval: time.Second}
	assert.Equal(uint32(60), s3.effectiveLifetimeCount(time.Minute))
}

func TestRegistryAddRemove(t *testing.T) {
	assert := tdd.New(t)

	r := newSubscriptionRegistry(xlog.Discard())
	sub := &Subscription{PublishingInterval: time.Second, KeepAliveCount: 10}
	target := new(int)
	h := r.add(target, sub)
	assert.Len(r.list(), 1)

	assert.NoError(h.Close())
	assert.Len(r.list(), 0)

	// Closing twice is a no-op, not an error.
	assert.NoError(h.Close())
}

func TestRegistryServerIDIndexing(t *testing.T) {
	assert := tdd.New(t)

	r := newSubscriptionRegistry(xlog.Discard())
	sub := &Subscription{PublishingInterval: time.Second}
	h := r.add(new(int), sub)
	entry := r.list()[0]

	r.indexServerID(entry, 7)
	got, ok := r.lookupByServerID(7)
	assert.True(ok)
	assert.Same(entry, got)

	r.dropServerID(7)
	_, ok = r.lookupByServerID(7)
	assert.False(ok)

	_ = h
}

func TestRegistryResetAllServerIDs(t *testing.T) {
	assert := tdd.New(t)

	r := newSubscriptionRegistry(xlog.Discard())
	sub := &Subscription{PublishingInterval: time.Second}
	sub.setServerID(42)
	r.add(new(int), sub)
	entry := r.list()[0]
	r.indexServerID(entry, 42)

	r.resetAllServerIDs()
	assert.Equal(uint32(0), sub.ServerID())
	_, ok := r.lookupByServerID(42)
	assert.False(ok)
}

func TestRegistryReconcileAllCreatesUnboundSubscriptions(t *testing.T) {
	assert := tdd.New(t)

	var created bool
	ch := newFakeChannel(func(_ context.Context, req *Request) (any, error) {
		switch req.Service.(type) {
		case *ua.CreateSubscriptionRequest:
			created = true
			return &ua.CreateSubscriptionResponse{SubscriptionID: 99}, nil
		case *ua.SetPublishingModeRequest:
			return &ua.SetPublishingModeResponse{}, nil
		}
		return nil, nil
	})

	r := newSubscriptionRegistry(xlog.Discard())
	sub := &Subscription{PublishingInterval: time.Second, KeepAliveCount: 10, PublishingEnabled: true}
	r.add(new(int), sub)

	assert.NoError(r.reconcileAll(context.Background(), ch, time.Minute))
	assert.True(created)
	assert.Equal(uint32(99), sub.ServerID())
}
