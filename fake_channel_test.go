package opcua

import (
	"context"
	"sync"
)

// fakeChannel is a deterministic, in-memory Channel double used across
// this package's tests (spec §8 testable properties never require a real
// server).
type fakeChannel struct {
	mu    sync.Mutex
	state ChannelState

	events   chan ChannelEvent
	complete chan struct{}

	handler func(ctx context.Context, req *Request) (any, error)
}

func newFakeChannel(handler func(ctx context.Context, req *Request) (any, error)) *fakeChannel {
	return &fakeChannel{
		state:    StateCreated,
		events:   make(chan ChannelEvent, 16),
		complete: make(chan struct{}),
		handler:  handler,
	}
}

func (f *fakeChannel) setState(s ChannelState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	select {
	case f.events <- ChannelEvent{State: s}:
	default:
	}
}

func (f *fakeChannel) Open(context.Context) error {
	f.setState(StateOpened)
	return nil
}

func (f *fakeChannel) Close(context.Context) error {
	f.setState(StateClosed)
	f.finish()
	return nil
}

func (f *fakeChannel) Abort(context.Context) error {
	f.setState(StateFaulted)
	f.finish()
	return nil
}

func (f *fakeChannel) finish() {
	select {
	case <-f.complete:
	default:
		close(f.complete)
	}
}

func (f *fakeChannel) State() ChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) NamespaceURIs() []string { return nil }
func (f *fakeChannel) ServerURIs() []string    { return nil }

func (f *fakeChannel) Request(ctx context.Context, req *Request) (any, error) {
	if f.handler == nil {
		return nil, nil
	}
	return f.handler(ctx, req)
}

func (f *fakeChannel) Events() <-chan ChannelEvent  { return f.events }
func (f *fakeChannel) Completion() <-chan struct{}  { return f.complete }
