package main

import (
	"context"
	"sync"
	"sync/atomic"

	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	client "go.bryk.io/opcua"
)

// gopcuaChannel adapts a real github.com/gopcua/opcua client to the
// library's abstract Channel contract. It is the "external, out of scope"
// concrete implementation spec §1/§6.1 expects a caller to supply; the
// core package never imports it.
type gopcuaChannel struct {
	identity client.UserIdentity
	raw      *gopcua.Client

	state      atomic.Int32
	events     chan client.ChannelEvent
	completion chan struct{}
	closeOnce  sync.Once
}

func newGopcuaChannel(endpoint *client.Endpoint, identity client.UserIdentity, _ client.SessionConfiguration) *gopcuaChannel {
	opts := []gopcua.Option{gopcua.SecurityFromEndpoint(endpoint.Description, ua.UserTokenTypeAnonymous)}
	if identity != nil {
		if _, ok := identity.(client.AnonymousIdentity); !ok {
			opts = append(opts, gopcua.AuthAnonymous())
		}
	}
	return &gopcuaChannel{
		identity:   identity,
		raw:        gopcua.NewClient(endpoint.URL(), opts...),
		events:     make(chan client.ChannelEvent, 8),
		completion: make(chan struct{}),
	}
}

func (g *gopcuaChannel) setState(s client.ChannelState, err error) {
	g.state.Store(int32(s))
	select {
	case g.events <- client.ChannelEvent{State: s, Err: err}:
	default:
	}
}

func (g *gopcuaChannel) Open(ctx context.Context) error {
	g.setState(client.StateOpening, nil)
	if err := g.raw.Connect(ctx); err != nil {
		g.setState(client.StateFaulted, err)
		g.finish()
		return err
	}
	g.setState(client.StateOpened, nil)
	return nil
}

func (g *gopcuaChannel) Close(ctx context.Context) error {
	g.setState(client.StateClosing, nil)
	err := g.raw.Close(ctx)
	g.setState(client.StateClosed, nil)
	g.finish()
	return err
}

func (g *gopcuaChannel) Abort(ctx context.Context) error {
	err := g.raw.Close(ctx)
	g.setState(client.StateFaulted, err)
	g.finish()
	return err
}

func (g *gopcuaChannel) finish() {
	g.closeOnce.Do(func() { close(g.completion) })
}

func (g *gopcuaChannel) State() client.ChannelState {
	return client.ChannelState(g.state.Load())
}

func (g *gopcuaChannel) NamespaceURIs() []string { return nil }
func (g *gopcuaChannel) ServerURIs() []string    { return nil }

func (g *gopcuaChannel) Events() <-chan client.ChannelEvent  { return g.events }
func (g *gopcuaChannel) Completion() <-chan struct{}         { return g.completion }

// Request dispatches req.Service through the real client's generic,
// type-erased Send, then decodes a *ua.PublishResponse into a
// client.PublishResult so the publish pump never needs to know about the
// wire-level ExtensionObject wrapping of notification data.
func (g *gopcuaChannel) Request(ctx context.Context, req *client.Request) (any, error) {
	wireReq, ok := req.Service.(ua.Request)
	if !ok {
		return nil, client.NewConfigurationError(nil)
	}

	type result struct {
		v   any
		err error
	}
	out := make(chan result, 1)
	go func() {
		var resp any
		err := g.raw.Send(wireReq, func(v any) error {
			resp = v
			return nil
		})
		out <- result{v: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-out:
		if r.err != nil {
			return nil, r.err
		}
		if pr, ok := r.v.(*ua.PublishResponse); ok {
			return decodePublishResponse(pr), nil
		}
		return r.v, nil
	}
}

// decodePublishResponse unwraps the notification ExtensionObjects carried
// on a PublishResponse into the plain DataChange/Event shape this package
// dispatches on. This unwrapping is exactly the "on-the-wire encoding"
// spec §1/§6.1 keeps out of the core library.
func decodePublishResponse(pr *ua.PublishResponse) client.PublishResult {
	out := client.PublishResult{
		SubscriptionID:    pr.SubscriptionID,
		SequenceNumber:    pr.NotificationMessage.SequenceNumber,
		MoreNotifications: pr.MoreNotifications,
	}
	for _, data := range pr.NotificationMessage.NotificationData {
		switch n := data.Value.(type) {
		case *ua.DataChangeNotification:
			for _, item := range n.MonitoredItems {
				out.Notification.DataChange = append(out.Notification.DataChange, client.DataChangeItem{
					ClientHandle: item.ClientHandle,
					Value:        item.Value,
				})
			}
		case *ua.EventNotificationList:
			for _, item := range n.Events {
				out.Notification.Event = append(out.Notification.Event, client.EventItem{
					ClientHandle: item.ClientHandle,
					Fields:       item.EventFields,
				})
			}
		}
	}
	return out
}
