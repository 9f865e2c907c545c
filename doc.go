/*
Package opcua provides a managed client for the OPC UA "Client/Server"
profile. It keeps a session alive across network interruptions, multiplexes
arbitrary request/response RPCs over the active channel, and maintains a
set of subscriptions so that monitored data changes and events keep
flowing to user-owned bindings without the caller having to re-issue
CreateSubscription or CreateMonitoredItems after a reconnect.

The wire-level transport, security-policy handshake and message codec are
explicitly out of scope: this package consumes an abstract Channel (see the
Channel interface) and expects a concrete implementation, built on a
library such as github.com/gopcua/opcua, to supply it.

Connecting

A Client is built from a ChannelFactory, the function responsible for
producing a fresh, unopened Channel for each connection attempt, plus any
number of functional options:

	client, err := opcua.New(myChannelFactory,
		opcua.WithDiscoveryURL("opc.tcp://10.0.0.5:4840"),
		opcua.WithLogger(xlog.Discard()),
	)
	if err != nil {
		panic(err)
	}
	defer client.Dispose()

Once created, the Client runs its reconnect supervisor loop in the
background; StateChanges() delivers lifecycle transitions, including the
reason for a fault, through a 16-event buffer that drops a transition when
it is full.

Declarative subscriptions

Register inspects a tagged struct and derives a subscription and its
monitored items directly from it:

	type Readings struct {
		_    opcua.Marker `opcua:"subscription" interval:"1s" keepalive:"10"`
		Temp float64      `opcua:"item" node:"ns=2;s=Temperature" attr:"Value"`
	}

	var r Readings
	handle, err := opcua.Register(client, &r)
	if err != nil {
		panic(err)
	}
	defer handle.Close()

Every incoming data-change notification for the Temp node updates r.Temp in
place. Register never inspects the remainder of the struct beyond its
tagged fields, so application-owned bookkeeping fields can live alongside
the bound ones.

Procedural subscriptions

Callers that would rather build a subscription without declaring a Go type
can use Subscribe directly with a SubscriptionSpec, which lands at the
exact same registry.add() call Register uses internally.

Direct requests

Client.Request submits any other service request (Read, Write, Browse,
Call, ...) through the multiplexed request queue. Subscription creation and
Publish requests are sent to the channel directly rather than through this
queue, so ordinary RPC traffic never waits behind them there.
*/
package opcua
