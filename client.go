package opcua

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua/ua"
	xlog "go.bryk.io/pkg/log"
)

// housekeepingInterval/housekeepingKeepAlive configure the internal
// subscription the supervisor creates on every successful open (spec
// §4.3's pseudocode, §6.2's `subscriptionId` observable). It carries no
// monitored items; its only job is to give the session a subscription the
// server must keep alive, and to give Client.SubscriptionID() something
// to report.
const (
	housekeepingInterval  = time.Second
	housekeepingKeepAlive = 10
)

// backoffInitial and backoffCeiling bound the supervisor's reconnect delay
// (spec §4.3): it starts at one second, doubles on every failed attempt,
// and resets to the initial value after any attempt reaches Opened.
const (
	backoffInitial = time.Second
	backoffCeiling = 20 * time.Second
)

// disposeGrace is how long Dispose waits for the supervisor loop to exit
// cleanly before abandoning it (spec §4.3 "added").
const disposeGrace = 5 * time.Second

// ChannelFactory builds a new, unopened Channel for one connection attempt.
// The core never retains state across attempts beyond what the
// multiplexer/registry already own, so a fresh Channel per attempt is
// always safe (spec §4.3).
type ChannelFactory func(endpoint *Endpoint, identity UserIdentity, config SessionConfiguration) Channel

// Client is the package's central orchestrator (spec C3): it runs the
// reconnect supervisor loop, owns the request multiplexer (C2), the
// subscription registry (C4), and the publish pumps (C5), and exposes the
// public Add/Subscribe/Request/State surface.
type Client struct {
	log     xlog.Logger
	metrics *metricsSet

	newChannel   ChannelFactory
	discoverer   Discoverer
	endpoint     *Endpoint
	discoveryURL string
	identity     UserIdentity
	config       SessionConfiguration

	mux      *multiplexer
	registry *subscriptionRegistry

	// housekeeping is reconciled by the registry exactly like any other
	// subscription; it is never exposed through Add/Register/Subscribe.
	housekeeping *Subscription

	namespaceURIs atomic.Value // []string
	serverURIs    atomic.Value // []string

	state     atomic.Int32 // ChannelState
	stateCh   chan ChannelEvent
	suspended atomic.Bool
	suspendCh chan struct{}
	resumeCh  chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Client and starts its supervisor loop in the
// background. Call Dispose to stop it.
func New(newChannel ChannelFactory, opts ...Option) (*Client, error) {
	if newChannel == nil {
		return nil, newOpError(KindConfigurationError, nil)
	}
	c := &Client{
		newChannel: newChannel,
		config:     DefaultSessionConfiguration(),
		stateCh:    make(chan ChannelEvent, 16),
		suspendCh:  make(chan struct{}),
		resumeCh:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.log == nil {
		c.log = xlog.Discard()
	}
	if c.metrics == nil {
		c.metrics = newNoopMetricsSet()
	}
	if c.identity == nil {
		c.identity = AnonymousIdentity{}
	}
	c.mux = newMultiplexer(c.log)
	c.registry = newSubscriptionRegistry(c.log)

	c.housekeeping = &Subscription{
		PublishingInterval: housekeepingInterval,
		KeepAliveCount:     housekeepingKeepAlive,
		PublishingEnabled:  true,
	}
	c.registry.add(nil, c.housekeeping)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
	return c, nil
}

// State returns the current channel lifecycle state.
func (c *Client) State() ChannelState {
	return ChannelState(c.state.Load())
}

// StateChanges delivers edge-triggered lifecycle transitions, each at most
// once, including the Faulted edge with its triggering error (spec §4.1).
// The channel buffers 16 events; a transition that finds it full is dropped.
func (c *Client) StateChanges() <-chan ChannelEvent { return c.stateCh }

// NamespaceURIs returns the namespace table the channel reported at its
// last successful Open (spec §6.2). It is nil until the first Open.
func (c *Client) NamespaceURIs() []string {
	v, _ := c.namespaceURIs.Load().([]string)
	return v
}

// ServerURIs returns the server table the channel reported at its last
// successful Open (spec §6.2). It is nil until the first Open.
func (c *Client) ServerURIs() []string {
	v, _ := c.serverURIs.Load().([]string)
	return v
}

// SubscriptionID returns the server-assigned id of the internal
// housekeeping subscription the supervisor (re)creates on every
// successful open, or 0 while the channel is not Opened (spec §4.3,
// §6.2).
func (c *Client) SubscriptionID() uint32 {
	return c.housekeeping.ServerID()
}

// Request submits a single opaque RPC through the multiplexer (spec §4.2).
// It is the direct, non-declarative path. The registry's subscription
// bookkeeping and the publish pumps call the channel directly instead; of
// the core's own calls, only the out-of-band DeleteSubscriptions scheduled
// by a publish pump goes through Request.
func (c *Client) Request(ctx context.Context, req *Request) (any, error) {
	return c.mux.submit(ctx, req, c.config.DefaultRequestTimeout)
}

// Add registers sub with the subscription registry, arming a finalizer on
// target so the registry can detect when the application drops it (spec
// §3, §4.7). It is the shared landing point for both the declarative
// (Register) and procedural (Subscribe) registration paths.
func (c *Client) Add(target any, sub *Subscription) (*Handle, error) {
	return c.registry.add(target, sub), nil
}

// Subscribe is the procedural counterpart to Register: it builds the
// Subscription directly from a SubscriptionSpec instead of reflecting over
// a tagged struct (spec §4.7 "added").
func Subscribe[T any](c *Client, target *T, spec SubscriptionSpec) (*Handle, error) {
	return c.Add(target, spec.ToSubscription())
}

// Suspend pauses the supervisor between connection attempts: the current
// channel (if any) is closed and no new attempt starts until Resume is
// called (spec §4.3 "added").
func (c *Client) Suspend() {
	if c.suspended.CompareAndSwap(false, true) {
		select {
		case c.suspendCh <- struct{}{}:
		default:
		}
	}
}

// Resume un-pauses a suspended Client.
func (c *Client) Resume() {
	if c.suspended.CompareAndSwap(true, false) {
		select {
		case c.resumeCh <- struct{}{}:
		default:
		}
	}
}

// Dispose stops the supervisor loop and releases the current channel. It
// waits up to a short grace period for a clean shutdown before returning.
func (c *Client) Dispose() error {
	c.cancel()
	c.mux.shutdown()
	select {
	case <-c.done:
	case <-time.After(disposeGrace):
	}
	return nil
}

// run is the supervisor loop from spec §4.3: it cycles through
// Opening/Opened/Closing, driving C2/C4/C5 during the Opened window, and
// applies exponential backoff between failed attempts. attempt never
// returns nil — it reports why the channel left Opened (or why it never
// got there) — so backoff is reset from inside attempt, right as the
// channel reaches Opened, rather than from whatever attempt returns.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.mux.shutdown()

	backoff := backoffInitial
	resetBackoff := func() { backoff = backoffInitial }

	for {
		if c.suspended.Load() {
			select {
			case <-ctx.Done():
				return
			case <-c.resumeCh:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		case <-c.suspendCh:
			continue
		}

		err := c.attempt(ctx, resetBackoff)
		if IsKind(err, KindCanceled) {
			return
		}
		c.log.WithField("error", err.Error()).Warning("connection attempt failed")
		backoff *= 2
		if backoff > backoffCeiling {
			backoff = backoffCeiling
		}
	}
}

// attempt runs exactly one Opening -> Opened -> Closing cycle and always
// returns a non-nil error describing why the cycle ended: KindCanceled if
// the supervisor's own context was canceled, the reconcile loop's error if
// that's what ended the cycle, or a generic KindTransientChannel error if
// the channel simply completed (e.g. the server closed it) with no more
// specific cause. resetBackoff is invoked the moment the channel reaches
// Opened, not when attempt returns, so a long-lived healthy session isn't
// penalized by whatever backoff a much earlier failed attempt left behind.
func (c *Client) attempt(ctx context.Context, resetBackoff func()) error {
	c.setState(StateOpening, nil)

	endpoint, err := resolveEndpoint(ctx, c.endpoint, c.discoveryURL, c.discoverer)
	if err != nil {
		c.setState(StateFaulted, err)
		return err
	}

	ch := c.newChannel(endpoint, c.identity, c.config)
	if err := ch.Open(ctx); err != nil {
		c.setState(StateFaulted, err)
		return err
	}
	c.namespaceURIs.Store(ch.NamespaceURIs())
	c.serverURIs.Store(ch.ServerURIs())

	c.mux.link(ch)
	defer c.mux.unlink()

	c.setState(StateOpened, nil)
	resetBackoff()
	if c.metrics != nil {
		c.metrics.subscriptionsActive.Set(float64(len(c.registry.list())))
	}

	groupCtx, cancelGroup := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	var reconcileErr error
	go func() {
		defer wg.Done()
		reconcileErr = c.registry.reconcileLoop(groupCtx, ch, c.config.RequestedSessionTimeout)
		cancelGroup()
	}()

	for i := 0; i < publishDepth; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.publishPump().run(groupCtx, ch, c.publishingInterval())
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeBackPump().run(groupCtx, ch, c.publishingInterval())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		// Suspend also ends the cycle, so the current channel gets closed.
		if !c.suspended.Load() {
			select {
			case <-ch.Completion():
			case <-c.suspendCh:
			case <-groupCtx.Done():
			}
		}
		cancelGroup()
	}()

	<-groupCtx.Done()
	cancelGroup()
	wg.Wait()

	// Invariant 2: serverSubscriptionId is non-zero only while Opened.
	// This must happen as the channel leaves Opened, not lazily at the
	// top of the next attempt — otherwise a subscription reports a
	// stale, dead-channel id for up to backoffCeiling before reconnecting.
	c.registry.resetAllServerIDs()

	c.setState(StateClosing, nil)
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if ctx.Err() != nil {
		_ = ch.Abort(closeCtx)
	} else if err := ch.Close(closeCtx); err != nil {
		_ = ch.Abort(closeCtx)
	}
	c.setState(StateClosed, nil)

	if ctx.Err() != nil {
		return newOpError(KindCanceled, ctx.Err())
	}
	if reconcileErr != nil {
		return reconcileErr
	}
	return newOpError(KindTransientChannel, nil)
}

// publishPump builds a publishPump for one publish task; each of the
// publishDepth goroutines an Opened cycle spawns calls it and gets its own
// instance. The pump holds only configuration; each task's acknowledgement
// list lives inside its own run call.
func (c *Client) publishPump() *publishPump {
	return newPublishPump(c.log, c.registry, c.metrics, func(id uint32) {
		c.registry.markDeadByServerID(id)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.config.DefaultRequestTimeout)
			defer cancel()
			_, _ = c.Request(ctx, &Request{Service: &ua.DeleteSubscriptionsRequest{
				SubscriptionIDs: []uint32{id},
			}})
		}()
	})
}

// writeBackPump builds the write-back pump for this Opened cycle
// (spec §4.6 "write-back", S6): a single instance sweeps every bound item
// on an interval, since unlike Publish it never blocks waiting on the
// server.
func (c *Client) writeBackPump() *writeBackPump {
	return newWriteBackPump(c.log, c.registry, c.metrics)
}

// publishingInterval returns the fastest publishing interval among current
// subscriptions, or a one-second fallback if there are none yet; it governs
// how long a failed publish task sleeps before retrying (spec §4.5).
func (c *Client) publishingInterval() time.Duration {
	interval := time.Second
	first := true
	for _, e := range c.registry.list() {
		if e.sub.PublishingInterval <= 0 {
			continue
		}
		if first || e.sub.PublishingInterval < interval {
			interval = e.sub.PublishingInterval
			first = false
		}
	}
	return interval
}

func (c *Client) setState(s ChannelState, err error) {
	c.state.Store(int32(s))
	if c.metrics != nil {
		c.metrics.clientState.WithLabelValues(s.String()).Set(1)
	}
	select {
	case c.stateCh <- ChannelEvent{State: s, Err: err}:
	default:
	}
}
