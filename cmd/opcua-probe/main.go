// Command opcua-probe connects to a single OPC UA server, subscribes to a
// handful of nodes given on the command line, and prints every data change
// it receives until interrupted. It exists to exercise the library end to
// end; it carries no business logic of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gopcua/opcua/ua"
	client "go.bryk.io/opcua"
	"go.bryk.io/pkg/log"
)

func main() {
	var (
		discoveryURL = flag.String("endpoint", "", "OPC UA discovery URL, e.g. opc.tcp://127.0.0.1:4840")
		nodesFlag    = flag.String("nodes", "", "comma-separated NodeId strings to monitor, e.g. ns=2;s=Temp,ns=2;s=Pressure")
	)
	flag.Parse()

	ll := log.WithZero(log.ZeroOptions{PrettyPrint: true, ErrorField: "error"})
	if *discoveryURL == "" {
		ll.Fatal("missing -endpoint")
	}

	c, err := client.New(
		func(endpoint *client.Endpoint, identity client.UserIdentity, config client.SessionConfiguration) client.Channel {
			return newGopcuaChannel(endpoint, identity, config)
		},
		client.WithLogger(ll),
		client.WithDiscoveryURL(*discoveryURL),
	)
	if err != nil {
		ll.Fatal(err)
	}
	defer c.Dispose()

	var nodes []string
	if *nodesFlag != "" {
		nodes = strings.Split(*nodesFlag, ",")
	}
	if len(nodes) > 0 {
		if _, err := watchNodes(c, nodes); err != nil {
			ll.Fatal(err)
		}
	}

	go func() {
		for ev := range c.StateChanges() {
			if ev.Err != nil {
				ll.WithField("error", ev.Err.Error()).Warningf("state -> %s", ev.State)
				continue
			}
			ll.Infof("state -> %s", ev.State)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	fmt.Println("shutting down")
}

// watchNodes builds and registers one data-change subscription covering
// every node address supplied on the command line. Each item's binding
// just prints whatever value arrives.
func watchNodes(c *client.Client, nodes []string) (*client.Handle, error) {
	items := make([]*client.MonitoredItem, 0, len(nodes))
	for _, n := range nodes {
		mi, err := probeItem(n)
		if err != nil {
			return nil, err
		}
		items = append(items, mi)
	}
	target := &items
	return client.Subscribe(c, target, client.SubscriptionSpec{
		PublishingInterval: time.Second,
		KeepAliveCount:     10,
		PublishingEnabled:  true,
		Items:              items,
	})
}

var probeHandles uint32

func nextHandle() uint32 { return atomic.AddUint32(&probeHandles, 1) }

// probeItem builds a monitored item over nodeStr's Value attribute, bound
// to a print-on-change callback.
func probeItem(nodeStr string) (*client.MonitoredItem, error) {
	nodeID, err := ua.ParseNodeID(nodeStr)
	if err != nil {
		return nil, client.NewConfigurationError(err)
	}
	binding := client.NewValueBinding(nodeStr,
		func(v any) { fmt.Printf("%s = %v\n", nodeStr, v) },
		func() (any, bool) { return nil, false },
		func(raw any) any { return raw },
	)
	return &client.MonitoredItem{
		NodeID:           nodeID,
		AttributeID:      ua.AttributeIDValue,
		MonitoringMode:   ua.MonitoringModeReporting,
		SamplingInterval: -1,
		QueueSize:        1,
		DiscardOldest:    true,
		Filter:           client.DataChangeFilter{Trigger: ua.DataChangeTriggerStatusValue},
		ClientHandle:     nextHandle(),
		Binding:          binding,
	}, nil
}
