package opcua

import (
	"context"
	"sync"
	"time"

	xlog "go.bryk.io/pkg/log"
)

// multiplexQueueSize bounds the pending-request FIFO. It is large enough
// to behave as "unbounded" for interactive RPC traffic (spec §4.2) while
// still giving Submit a back-pressure point instead of growing without
// limit.
const multiplexQueueSize = 1024

// multiplexer queues user RPCs until a healthy channel is linked, then
// pipes them through it one at a time. It is created once per Client and
// outlives any number of reconnect cycles (spec §4.2/§4.3).
type multiplexer struct {
	log   xlog.Logger
	queue chan *serviceOperation

	mu      sync.Mutex
	channel Channel
	cancel  context.CancelFunc // stops the current pump goroutine
	wg      sync.WaitGroup
	closed  bool
}

func newMultiplexer(log xlog.Logger) *multiplexer {
	return &multiplexer{
		log:   log,
		queue: make(chan *serviceOperation, multiplexQueueSize),
	}
}

// submit fills in RequestHeader defaults, wraps the request in a
// serviceOperation, and enqueues it. The operation completes with
// KindRequestTimeout if ctx is canceled or the per-request timeout hint
// expires before a response arrives; cancellation never surfaces as
// success (spec §4.2 point 4).
func (m *multiplexer) submit(ctx context.Context, req *Request, defaultTimeout time.Duration) (any, error) {
	if req.Header.Timestamp.IsZero() {
		req.Header.Timestamp = time.Now()
	}
	timeout := req.Header.TimeoutHint
	if timeout <= 0 {
		timeout = defaultTimeout
		req.Header.TimeoutHint = timeout
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	op := newServiceOperation(req)

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, newOpError(KindTransientChannel, nil)
	}

	select {
	case m.queue <- op:
	case <-opCtx.Done():
		return nil, newOpError(KindRequestTimeout, opCtx.Err())
	}

	select {
	case <-op.done:
		return op.result, op.err
	case <-opCtx.Done():
		// The operation may still be sitting in the queue or in flight;
		// completing it here guarantees "exactly once" even if the pump
		// delivers a late response afterwards (complete() is a no-op on
		// the second call).
		op.complete(nil, newOpError(KindRequestTimeout, opCtx.Err()))
		return op.result, op.err
	}
}

// link installs a pipe from the queue to ch and starts draining it. It is
// called once per open cycle, right after the supervisor observes Opened.
func (m *multiplexer) link(ch Channel) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	m.channel = ch
	m.cancel = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go m.pump(pumpCtx, ch)
}

// unlink tears down the pipe installed by link. It is called immediately
// on any transition away from Opened (spec §4.2).
func (m *multiplexer) unlink() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.channel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// shutdown permanently closes the multiplexer: every still-queued
// operation fails with KindTransientChannel and further submits are
// rejected immediately.
func (m *multiplexer) shutdown() {
	m.unlink()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	for {
		select {
		case op := <-m.queue:
			op.complete(nil, newOpError(KindTransientChannel, nil))
		default:
			return
		}
	}
}

func (m *multiplexer) pump(ctx context.Context, ch Channel) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-m.queue:
			resp, err := ch.Request(ctx, op.req)
			if err != nil {
				op.complete(nil, err)
				continue
			}
			op.complete(resp, nil)
		}
	}
}
