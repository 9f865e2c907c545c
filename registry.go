package opcua

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua/ua"
	xlog "go.bryk.io/pkg/log"
)

// Handle is returned by Client.Add / Subscribe. Closing it removes the
// subscription from the registry only; Close itself sends no
// DeleteSubscriptions. A server-side subscription that was bound is
// deleted by a publish pump once a Publish response names its now-unknown
// id.
type Handle struct {
	id       uint64
	registry *subscriptionRegistry
}

// Close removes the subscription. It is safe to call more than once.
func (h *Handle) Close() error {
	return h.registry.remove(h.id)
}

// registryEntry pairs a Subscription with the bookkeeping the registry
// needs: the handle id used by Add/Remove, and a dead flag flipped by a
// finalizer on the user's target object once it becomes unreachable
// (spec §3 "weak reference", §9 design note).
type registryEntry struct {
	id   uint64
	sub  *Subscription
	dead atomic.Bool
}

// subscriptionRegistry is the C4 component: it tracks every subscription a
// Client owns, recreates them on the server on each Opened transition, and
// detects + deletes subscriptions whose user-side target has been garbage
// collected.
type subscriptionRegistry struct {
	log xlog.Logger

	mu         sync.Mutex
	nextID     uint64
	entries    map[uint64]*registryEntry
	byServerID map[uint32]*registryEntry

	changed chan struct{} // coalesced wake-up signal for the reconcile loop
}

func newSubscriptionRegistry(log xlog.Logger) *subscriptionRegistry {
	return &subscriptionRegistry{
		log:        log,
		entries:    make(map[uint64]*registryEntry),
		byServerID: make(map[uint32]*registryEntry),
		changed:    make(chan struct{}, 1),
	}
}

func (r *subscriptionRegistry) notifyChanged() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// add registers sub and arms a finalizer on target (the user-owned object
// the subscription is conceptually "about") so the registry can detect
// when the application drops its last strong reference to it.
func (r *subscriptionRegistry) add(target any, sub *Subscription) *Handle {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	entry := &registryEntry{id: id, sub: sub}
	r.entries[id] = entry
	r.mu.Unlock()

	if target != nil {
		runtime.SetFinalizer(target, func(any) {
			entry.dead.Store(true)
			r.notifyChanged()
		})
	}

	r.notifyChanged()
	return &Handle{id: id, registry: r}
}

func (r *subscriptionRegistry) remove(id uint64) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, id)
	if sid := entry.sub.ServerID(); sid != 0 {
		delete(r.byServerID, sid)
	}
	r.mu.Unlock()
	r.notifyChanged()
	return nil
}

// list returns a point-in-time snapshot of all live (not yet reaped)
// entries, in insertion (handle id) order.
func (r *subscriptionRegistry) list() []*registryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *subscriptionRegistry) lookupByServerID(id uint32) (*registryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byServerID[id]
	return e, ok
}

func (r *subscriptionRegistry) indexServerID(entry *registryEntry, id uint32) {
	r.mu.Lock()
	r.byServerID[id] = entry
	r.mu.Unlock()
}

func (r *subscriptionRegistry) dropServerID(id uint32) {
	r.mu.Lock()
	delete(r.byServerID, id)
	r.mu.Unlock()
}

// resetAllServerIDs enforces invariant 2: a subscription's
// serverSubscriptionId is non-zero only while the channel is Opened.
func (r *subscriptionRegistry) resetAllServerIDs() {
	r.mu.Lock()
	for _, e := range r.entries {
		e.sub.resetServerID()
	}
	r.byServerID = make(map[uint32]*registryEntry)
	r.mu.Unlock()
}

// markDeadByServerID resets the server subscription id of the entry bound
// to id (if any) and drops id from the index; it does not set the entry's
// dead flag. The Client calls it from a publish pump's out-of-band delete
// path, just before sending DeleteSubscriptions for id.
func (r *subscriptionRegistry) markDeadByServerID(id uint32) {
	if e, ok := r.lookupByServerID(id); ok {
		e.sub.resetServerID()
	}
	r.dropServerID(id)
}

// reconcileLoop is C4's half of the supervisor's "run concurrently"
// group (spec §4.3): it recreates every unbound subscription as soon as
// it starts, then reacts to add/remove/GC events for the rest of the
// Opened cycle. A failed create call ends the loop with that error; the
// supervisor then ends the Opened cycle and closes the channel (the
// reconcile loop never calls Channel.Abort itself). A failed delete in
// reapDead is only logged.
func (r *subscriptionRegistry) reconcileLoop(ctx context.Context, ch Channel, sessionTimeout time.Duration) error {
	if err := r.reconcileAll(ctx, ch, sessionTimeout); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.changed:
			if err := r.reapDead(ctx, ch); err != nil {
				return err
			}
			if err := r.reconcileAll(ctx, ch, sessionTimeout); err != nil {
				return err
			}
		}
	}
}

// reapDead deletes server-side state for any entry whose target has been
// garbage collected, then drops it from the registry (spec TP S5 covers
// the publish-pump side of this same policy; this is the registry-driven
// path for subscriptions that die between publish round-trips).
func (r *subscriptionRegistry) reapDead(ctx context.Context, ch Channel) error {
	for _, e := range r.list() {
		if !e.dead.Load() {
			continue
		}
		if sid := e.sub.ServerID(); sid != 0 {
			_, err := ch.Request(ctx, &Request{Service: &ua.DeleteSubscriptionsRequest{
				SubscriptionIDs: []uint32{sid},
			}})
			if err != nil {
				r.log.WithField("error", err.Error()).Warning("failed to delete garbage collected subscription")
			}
		}
		_ = r.remove(e.id)
	}
	return nil
}

// reconcileAll (re)creates every subscription whose ServerID is still
// zero: CreateSubscription, then CreateMonitoredItems in one batch, then
// SetPublishingMode if requested (spec §4.4).
func (r *subscriptionRegistry) reconcileAll(ctx context.Context, ch Channel, sessionTimeout time.Duration) error {
	for _, e := range r.list() {
		if e.dead.Load() || e.sub.ServerID() != 0 {
			continue
		}
		if err := r.createOne(ctx, ch, e, sessionTimeout); err != nil {
			return err
		}
	}
	return nil
}

func (r *subscriptionRegistry) createOne(ctx context.Context, ch Channel, e *registryEntry, sessionTimeout time.Duration) error {
	sub := e.sub
	resp, err := ch.Request(ctx, &Request{Service: &ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: float64(sub.PublishingInterval / time.Millisecond),
		RequestedLifetimeCount:      sub.effectiveLifetimeCount(sessionTimeout),
		RequestedMaxKeepAliveCount:  sub.KeepAliveCount,
		PublishingEnabled:           sub.PublishingEnabled,
		Priority:                    sub.Priority,
	}})
	if err != nil {
		return err
	}
	created, ok := resp.(*ua.CreateSubscriptionResponse)
	if !ok {
		return newOpError(KindServiceFault, nil)
	}
	sub.setServerID(created.SubscriptionID)
	r.indexServerID(e, created.SubscriptionID)

	if len(sub.Items) > 0 {
		if err := r.createItems(ctx, ch, sub, created.SubscriptionID); err != nil {
			return err
		}
	}

	if sub.PublishingEnabled {
		if _, err := ch.Request(ctx, &Request{Service: &ua.SetPublishingModeRequest{
			PublishingEnabled: true,
			SubscriptionIDs:   []uint32{created.SubscriptionID},
		}}); err != nil {
			return err
		}
	}
	return nil
}

// encodeFilter wraps a Filter in the ExtensionObject wire envelope
// CreateMonitoredItems expects, so the dataChangeTrigger/deadbandType/
// deadbandValue fields (or an event's select-clauses) a caller declared
// actually reach the server instead of being silently dropped.
func encodeFilter(f Filter) *ua.ExtensionObject {
	switch v := f.(type) {
	case DataChangeFilter:
		return &ua.ExtensionObject{
			TypeID: &ua.ExpandedNodeID{
				NodeID: ua.NewNumericNodeID(0, uint32(ua.DataChangeFilterType_Encoding_DefaultBinary)),
			},
			Value: &ua.DataChangeFilter{
				Trigger:       v.Trigger,
				DeadbandType:  v.DeadbandType,
				DeadbandValue: v.DeadbandValue,
			},
		}
	case EventFilter:
		return &ua.ExtensionObject{
			TypeID: &ua.ExpandedNodeID{
				NodeID: ua.NewNumericNodeID(0, uint32(ua.EventFilterType_Encoding_DefaultBinary)),
			},
			Value: &ua.EventFilter{SelectClauses: v.SelectClauses},
		}
	default:
		return nil
	}
}

func (r *subscriptionRegistry) createItems(ctx context.Context, ch Channel, sub *Subscription, serverSubID uint32) error {
	items := make([]*ua.MonitoredItemCreateRequest, len(sub.Items))
	for i, mi := range sub.Items {
		items[i] = &ua.MonitoredItemCreateRequest{
			ItemToMonitor: &ua.ReadValueID{
				NodeID:      mi.NodeID,
				AttributeID: mi.AttributeID,
				IndexRange:  mi.IndexRange,
			},
			MonitoringMode: mi.MonitoringMode,
			RequestedParameters: &ua.MonitoringParameters{
				ClientHandle:     mi.ClientHandle,
				SamplingInterval: mi.SamplingInterval,
				QueueSize:        mi.QueueSize,
				DiscardOldest:    mi.DiscardOldest,
				Filter:           encodeFilter(mi.Filter),
			},
		}
	}
	resp, err := ch.Request(ctx, &Request{Service: &ua.CreateMonitoredItemsRequest{
		SubscriptionID:     serverSubID,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		ItemsToCreate:      items,
	}})
	if err != nil {
		return err
	}
	created, ok := resp.(*ua.CreateMonitoredItemsResponse)
	if !ok {
		return newOpError(KindServiceFault, nil)
	}

	// Partial creation (some items succeeded) is retained; the item-level
	// status is stored on its binding rather than faulting the channel
	// (spec §4.4/§7: KindCreateItemPartial never faults).
	for i, res := range created.Results {
		if i >= len(sub.Items) {
			break
		}
		mi := sub.Items[i]
		mi.ServerItemID = res.MonitoredItemID
		mi.setStatus(res.StatusCode)
	}
	return nil
}
