package opcua

import (
	"context"
	"testing"
	"time"

	tdd "github.com/stretchr/testify/assert"
	xlog "go.bryk.io/pkg/log"
)

func TestMultiplexerSubmitRoundTrip(t *testing.T) {
	assert := tdd.New(t)

	ch := newFakeChannel(func(_ context.Context, req *Request) (any, error) {
		return "ok", nil
	})
	m := newMultiplexer(xlog.Discard())
	m.link(ch)
	defer m.shutdown()

	resp, err := m.submit(context.Background(), &Request{}, time.Second)
	assert.NoError(err)
	assert.Equal("ok", resp)
}

func TestMultiplexerSubmitTimesOutWithoutChannel(t *testing.T) {
	assert := tdd.New(t)

	m := newMultiplexer(xlog.Discard())
	defer m.shutdown()

	_, err := m.submit(context.Background(), &Request{}, 20*time.Millisecond)
	assert.Error(err)
	assert.True(IsKind(err, KindRequestTimeout))
}

func TestMultiplexerShutdownFailsQueuedOps(t *testing.T) {
	assert := tdd.New(t)

	m := newMultiplexer(xlog.Discard())

	type result struct {
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, err := m.submit(context.Background(), &Request{}, time.Second)
		done <- result{err: err}
	}()

	// Give the submit goroutine a chance to enqueue before shutting down.
	time.Sleep(20 * time.Millisecond)
	m.shutdown()

	select {
	case r := <-done:
		assert.True(IsKind(r.err, KindTransientChannel))
	case <-time.After(time.Second):
		t.Fatal("submit did not return after shutdown")
	}

	_, err := m.submit(context.Background(), &Request{}, time.Second)
	assert.True(IsKind(err, KindTransientChannel))
}

func TestMultiplexerUnlinkStopsPump(t *testing.T) {
	assert := tdd.New(t)

	ch := newFakeChannel(func(_ context.Context, req *Request) (any, error) {
		return "ok", nil
	})
	m := newMultiplexer(xlog.Discard())
	m.link(ch)
	m.unlink()
	defer m.shutdown()

	_, err := m.submit(context.Background(), &Request{}, 20*time.Millisecond)
	assert.True(IsKind(err, KindRequestTimeout))
}
