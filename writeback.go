package opcua

import (
	"context"
	"time"

	"github.com/gopcua/opcua/ua"
	xlog "go.bryk.io/pkg/log"
)

// writeBackPollInterval is the sweep period run falls back to when it is
// given a non-positive interval.
const writeBackPollInterval = 500 * time.Millisecond

// writeBackPump is the write-back half of C6 (spec §4.6 "write-back", S6):
// on a fixed interval it asks every bound item's binding to read back its
// current value and, when that value differs from the last one this pump
// observed for the item (from a notification or an earlier write-back),
// issues a Write RPC and records the result on the binding.
type writeBackPump struct {
	log      xlog.Logger
	registry *subscriptionRegistry
	metrics  *metricsSet
}

func newWriteBackPump(log xlog.Logger, registry *subscriptionRegistry, m *metricsSet) *writeBackPump {
	return &writeBackPump{log: log, registry: registry, metrics: m}
}

// run sweeps every bound item on interval until ctx is canceled.
func (p *writeBackPump) run(ctx context.Context, ch Channel, interval time.Duration) {
	if interval <= 0 {
		interval = writeBackPollInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.sweep(ctx, ch)
		}
	}
}

// sweep visits every live, server-bound item once.
func (p *writeBackPump) sweep(ctx context.Context, ch Channel) {
	for _, e := range p.registry.list() {
		if e.dead.Load() || e.sub.ServerID() == 0 {
			continue
		}
		for _, mi := range e.sub.Items {
			p.maybeWrite(ctx, ch, mi)
		}
	}
}

func (p *writeBackPump) maybeWrite(ctx context.Context, ch Channel, mi *MonitoredItem) {
	if mi.Binding == nil {
		return
	}
	dv, ok := mi.Binding.readBack()
	if !ok || dv == nil || !mi.noteWriteBack(dv) {
		return
	}
	resp, err := ch.Request(ctx, &Request{Service: &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      mi.NodeID,
			AttributeID: mi.AttributeID,
			IndexRange:  mi.IndexRange,
			Value:       dv,
		}},
	}})
	if err != nil {
		p.log.WithField("error", err.Error()).Warning("write-back failed")
		return
	}
	written, ok := resp.(*ua.WriteResponse)
	if !ok || len(written.Results) == 0 {
		return
	}
	// BadUserAccessDenied (S6) surfaces through the same onWriteResult ->
	// bindingBase.record path as a failed CreateMonitoredItems status.
	mi.Binding.onWriteResult(written.Results[0])
}
