package opcua

import (
	"context"
	"time"

	"github.com/gopcua/opcua/ua"
	xlog "go.bryk.io/pkg/log"
)

// publishDepth is the number of concurrent in-flight Publish requests per
// session. It is a fixed design constant (spec §4.3): deep enough to keep
// the server's publish queue fed, shallow enough that one stuck request
// can't stall the whole pump.
const publishDepth = 3

// publishTimeout is the long-poll timeout carried on every Publish
// request; it is independent from, and much larger than, ordinary RPC
// timeouts (spec §5).
const publishTimeout = 120 * time.Second

// publishPump is the C5 component. Each of the publishDepth concurrent
// instances strictly orders its own Publish requests/responses; there is
// no ordering guarantee across instances beyond per-subscription sequence
// numbers (spec §5).
type publishPump struct {
	log      xlog.Logger
	registry *subscriptionRegistry
	metrics  *metricsSet

	// pendingDelete hands a dead/unknown subscription id off to something
	// that can issue DeleteSubscriptions asynchronously (the Client wires
	// this to its multiplexer so the delete rides the user-RPC path
	// instead of a publish task's own channel slot).
	pendingDelete func(uint32)
}

func newPublishPump(log xlog.Logger, registry *subscriptionRegistry, m *metricsSet, pendingDelete func(uint32)) *publishPump {
	return &publishPump{log: log, registry: registry, metrics: m, pendingDelete: pendingDelete}
}

// run executes one publish task until ctx is canceled. Errors never
// cancel the task (spec open question (b)): the task sleeps one
// publishingInterval and resumes with an empty acknowledgement list,
// since resending acks against a possibly-now-unknown session would be
// meaningless.
func (p *publishPump) run(ctx context.Context, ch Channel, publishingInterval time.Duration) {
	var acks []*ua.SubscriptionAcknowledgement
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.metrics != nil {
			p.metrics.publishInflight.Inc()
		}
		resp, err := ch.Request(ctx, &Request{
			Header:  RequestHeader{TimeoutHint: publishTimeout},
			Service: &ua.PublishRequest{SubscriptionAcknowledgements: acks},
		})
		if p.metrics != nil {
			p.metrics.publishInflight.Dec()
		}

		if err != nil {
			if p.metrics != nil {
				p.metrics.publishErrors.Inc()
			}
			if IsKind(err, KindCanceled) {
				return
			}
			p.log.WithField("error", err.Error()).Warning("publish failed")
			acks = nil
			select {
			case <-ctx.Done():
				return
			case <-time.After(publishingInterval):
			}
			continue
		}

		result, ok := resp.(PublishResult)
		if !ok {
			acks = nil
			continue
		}
		p.handle(result)

		// Piggy-back exactly the one acknowledgement just received on the
		// next request this same task sends (invariant 4, TP2).
		acks = []*ua.SubscriptionAcknowledgement{{
			SubscriptionID: result.SubscriptionID,
			SequenceNumber: result.SequenceNumber,
		}}
	}
}

// handle routes one decoded publish result to the subscription it belongs
// to, or schedules an out-of-band delete if the subscription is unknown or
// its target has been garbage collected (spec §4.5, TP S5).
func (p *publishPump) handle(result PublishResult) {
	entry, ok := p.registry.lookupByServerID(result.SubscriptionID)
	if !ok || entry.dead.Load() {
		p.scheduleDelete(result.SubscriptionID)
		return
	}
	dispatchNotification(entry.sub, result.Notification)
}

// scheduleDelete issues DeleteSubscriptions out-of-band; the pump never
// blocks on it, so it cannot stall pipelining (spec §4.5).
func (p *publishPump) scheduleDelete(id uint32) {
	if p.pendingDelete == nil {
		return
	}
	p.pendingDelete(id)
}

// dispatchNotification routes each contained notification element to the
// monitored item bound to its client handle. Unknown handles are ignored:
// they are transient during reconnection (spec §4.6).
func dispatchNotification(sub *Subscription, n Notification) {
	if len(n.DataChange) > 0 {
		byHandle := indexByHandle(sub)
		for _, item := range n.DataChange {
			if mi, ok := byHandle[item.ClientHandle]; ok && mi.Binding != nil {
				mi.Binding.apply(item.Value)
				// Seed the write-back baseline with the value the server
				// just sent, so the write-back pump only reacts to a
				// genuine local mutation rather than echoing this back.
				mi.noteWriteBack(item.Value)
			}
		}
	}
	if len(n.Event) > 0 {
		byHandle := indexByHandle(sub)
		for _, item := range n.Event {
			if mi, ok := byHandle[item.ClientHandle]; ok && mi.Binding != nil {
				mi.Binding.applyEvent(item.Fields)
			}
		}
	}
}

func indexByHandle(sub *Subscription) map[uint32]*MonitoredItem {
	out := make(map[uint32]*MonitoredItem, len(sub.Items))
	for _, mi := range sub.Items {
		out[mi.ClientHandle] = mi
	}
	return out
}
