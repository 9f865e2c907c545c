package opcua

import (
	"context"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	tdd "github.com/stretchr/testify/assert"
	xlog "go.bryk.io/pkg/log"
)

func TestDispatchNotificationRoutesByClientHandle(t *testing.T) {
	assert := tdd.New(t)

	var got *ua.DataValue
	mi := &MonitoredItem{
		ClientHandle: 5,
		Binding:      NewDataValueBinding("x", func(v *ua.DataValue) { got = v }, nil),
	}
	sub := &Subscription{Items: []*MonitoredItem{mi}}

	dv := &ua.DataValue{StatusCode: ua.StatusOK}
	dispatchNotification(sub, Notification{DataChange: []DataChangeItem{{ClientHandle: 5, Value: dv}}})
	assert.Same(dv, got)

	// Unknown handles are ignored rather than panicking.
	dispatchNotification(sub, Notification{DataChange: []DataChangeItem{{ClientHandle: 999, Value: dv}}})
}

func TestPublishPumpHandlesKnownAndUnknownSubscription(t *testing.T) {
	assert := tdd.New(t)

	r := newSubscriptionRegistry(xlog.Discard())
	mi := &MonitoredItem{ClientHandle: 1}
	sub := &Subscription{Items: []*MonitoredItem{mi}}
	sub.setServerID(10)
	r.add(new(int), sub)
	r.indexServerID(r.list()[0], 10)

	var deletedID uint32
	p := newPublishPump(xlog.Discard(), r, nil, func(id uint32) { deletedID = id })

	p.handle(PublishResult{SubscriptionID: 10})
	assert.Equal(uint32(0), deletedID, "known subscription must not be scheduled for delete")

	p.handle(PublishResult{SubscriptionID: 404})
	assert.Equal(uint32(404), deletedID, "unknown subscription must be scheduled for delete")
}

func TestPublishPumpRunStopsOnCancel(t *testing.T) {
	assert := tdd.New(t)

	calls := 0
	ch := newFakeChannel(func(_ context.Context, req *Request) (any, error) {
		calls++
		return PublishResult{SubscriptionID: 1, SequenceNumber: uint32(calls)}, nil
	})

	r := newSubscriptionRegistry(xlog.Discard())
	p := newPublishPump(xlog.Discard(), r, nil, func(uint32) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.run(ctx, ch, time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish pump did not stop after cancellation")
	}
	assert.Greater(calls, 0)
}
