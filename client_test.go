package opcua

import (
	"context"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	tdd "github.com/stretchr/testify/assert"
)

func TestClientReachesOpenedStateAndDisposes(t *testing.T) {
	assert := tdd.New(t)

	var nextSubID uint32
	ch := newFakeChannel(func(_ context.Context, req *Request) (any, error) {
		switch svc := req.Service.(type) {
		case *ua.PublishRequest:
			<-time.After(50 * time.Millisecond)
			return nil, newOpError(KindCanceled, context.Canceled)
		case *ua.CreateSubscriptionRequest:
			nextSubID++
			_ = svc
			return &ua.CreateSubscriptionResponse{SubscriptionID: nextSubID}, nil
		case *ua.SetPublishingModeRequest:
			return &ua.SetPublishingModeResponse{}, nil
		}
		return nil, nil
	})

	c, err := New(func(*Endpoint, UserIdentity, SessionConfiguration) Channel { return ch },
		WithEndpoint(Endpoint{Description: &ua.EndpointDescription{EndpointURL: "opc.tcp://fake"}}),
	)
	assert.NoError(err)

	deadline := time.After(2 * time.Second)
	for c.State() != StateOpened {
		select {
		case <-deadline:
			t.Fatal("client never reached Opened")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The housekeeping subscription (spec §4.3/§6.2) is reconciled like any
	// other, so its server-assigned id eventually shows up here too.
	deadline = time.After(2 * time.Second)
	for c.SubscriptionID() == 0 {
		select {
		case <-deadline:
			t.Fatal("housekeeping subscription was never created")
		case <-time.After(10 * time.Millisecond):
		}
	}

	assert.NoError(c.Dispose())
}

func TestClientSuspendResume(t *testing.T) {
	assert := tdd.New(t)

	ch := newFakeChannel(func(context.Context, *Request) (any, error) { return nil, nil })
	c, err := New(func(*Endpoint, UserIdentity, SessionConfiguration) Channel { return ch },
		WithEndpoint(Endpoint{Description: &ua.EndpointDescription{EndpointURL: "opc.tcp://fake"}}),
	)
	assert.NoError(err)
	defer c.Dispose()

	c.Suspend()
	assert.True(c.suspended.Load())
	c.Resume()
	assert.False(c.suspended.Load())
}

func TestClientRequestFailsBeforeLink(t *testing.T) {
	assert := tdd.New(t)

	c := &Client{
		mux:      newMultiplexer(nil),
		registry: newSubscriptionRegistry(nil),
		config:   DefaultSessionConfiguration(),
	}
	c.config.DefaultRequestTimeout = 20 * time.Millisecond

	_, err := c.Request(context.Background(), &Request{})
	assert.True(IsKind(err, KindRequestTimeout))
}
