package opcua

import (
	"context"
	"testing"

	"github.com/gopcua/opcua/ua"
	tdd "github.com/stretchr/testify/assert"
	xlog "go.bryk.io/pkg/log"
)

func TestWriteBackPumpWritesOnLocalMutationAndRecordsAccessDenied(t *testing.T) {
	assert := tdd.New(t)

	var field float64
	b := NewValueBinding("temp",
		func(v any) { field = v.(float64) },
		func() (any, bool) { return field, true },
		func(raw any) any {
			f, _ := raw.(float64)
			return f
		},
	)
	nodeID, err := ua.ParseNodeID("ns=2;s=Temp")
	assert.NoError(err)
	mi := &MonitoredItem{
		ClientHandle: 1,
		NodeID:       nodeID,
		AttributeID:  ua.AttributeIDValue,
		Binding:      b,
	}
	sub := &Subscription{Items: []*MonitoredItem{mi}}
	sub.setServerID(7)

	r := newSubscriptionRegistry(xlog.Discard())
	r.add(new(int), sub)
	r.indexServerID(r.list()[0], 7)

	var wrote *ua.WriteValue
	ch := newFakeChannel(func(_ context.Context, req *Request) (any, error) {
		if wr, ok := req.Service.(*ua.WriteRequest); ok {
			wrote = wr.NodesToWrite[0]
			return &ua.WriteResponse{Results: []ua.StatusCode{ua.StatusBadUserAccessDenied}}, nil
		}
		return nil, nil
	})

	errs := b.Errors()
	field = 42.0 // simulate the application mutating the bound field directly

	p := newWriteBackPump(xlog.Discard(), r, nil)
	p.sweep(context.Background(), ch)

	if assert.NotNil(wrote) {
		assert.Equal(ua.AttributeIDValue, wrote.AttributeID)
	}

	select {
	case e := <-errs:
		assert.Equal("temp", e.Field)
		assert.Equal(ua.StatusBadUserAccessDenied, e.Status)
	default:
		t.Fatal("expected BadUserAccessDenied to resurface on the binding's error channel")
	}

	// No further mutation: a second sweep issues no additional write.
	wrote = nil
	p.sweep(context.Background(), ch)
	assert.Nil(wrote)
}

func TestWriteBackPumpIgnoresUnwritableBindings(t *testing.T) {
	assert := tdd.New(t)

	nodeID, err := ua.ParseNodeID("ns=2;s=Alarm")
	assert.NoError(err)
	mi := &MonitoredItem{
		ClientHandle: 1,
		NodeID:       nodeID,
		AttributeID:  ua.AttributeIDValue,
		Binding:      NewEventBinding("alarm", func(EventRecord) {}),
	}
	sub := &Subscription{Items: []*MonitoredItem{mi}}
	sub.setServerID(9)

	r := newSubscriptionRegistry(xlog.Discard())
	r.add(new(int), sub)
	r.indexServerID(r.list()[0], 9)

	called := false
	ch := newFakeChannel(func(_ context.Context, req *Request) (any, error) {
		if _, ok := req.Service.(*ua.WriteRequest); ok {
			called = true
		}
		return nil, nil
	})

	p := newWriteBackPump(xlog.Discard(), r, nil)
	p.sweep(context.Background(), ch)
	assert.False(called, "an event binding has no write-back value and must never trigger a Write")
}
