package opcua

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/gopcua/opcua/ua"
)

// ChannelState enumerates the lifecycle states a Channel moves through.
// Transitions fire in the order Created -> Opening -> Opened -> Closing ->
// Closed, or to Faulted from any non-terminal state.
type ChannelState uint8

const (
	StateCreated ChannelState = iota
	StateOpening
	StateOpened
	StateClosing
	StateClosed
	StateFaulted
)

// String renders the state for logging.
func (s ChannelState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpening:
		return "opening"
	case StateOpened:
		return "opened"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return "invalid"
	}
}

// ChannelEvent is delivered at most once per edge transition.
type ChannelEvent struct {
	State ChannelState
	Err   error // populated only for the Faulted edge
}

// RequestHeader carries the handful of fields the core is allowed to
// inspect and fill on an otherwise opaque outbound request.
type RequestHeader struct {
	Timestamp         time.Time
	TimeoutHint       time.Duration
	ReturnDiagnostics uint32
}

// Request pairs a header the core manages with a service-specific payload
// the core treats as opaque (typically a *ua.ReadRequest, *ua.BrowseRequest,
// *ua.CreateSubscriptionRequest, ... value).
type Request struct {
	Header  RequestHeader
	Service any
}

// Channel is the abstract secure-channel-plus-session contract the core
// consumes. A concrete implementation owns the wire codec, PKI handling,
// and transport; none of that is in scope here (see spec §1/§6.1).
type Channel interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Abort(ctx context.Context) error

	State() ChannelState
	NamespaceURIs() []string
	ServerURIs() []string

	// Request performs a single RPC. The implementation fills
	// req.Header.Timestamp/TimeoutHint defaults when left zero.
	Request(ctx context.Context, req *Request) (any, error)

	// Events delivers edge-triggered lifecycle notifications.
	Events() <-chan ChannelEvent

	// Completion resolves exactly once, when the channel leaves Opened.
	Completion() <-chan struct{}
}

// PublishResult is one already-decoded Publish response. The concrete
// Channel decodes the wire-level notification payload (the "on-the-wire
// encoding" this package treats as out of scope, spec §1/§6.1) and returns
// it from Request as the result of a *ua.PublishRequest call.
type PublishResult struct {
	SubscriptionID    uint32
	SequenceNumber    uint32
	MoreNotifications bool
	Notification      Notification
}

// Endpoint is the selected server endpoint a Channel connects to.
type Endpoint struct {
	Description *ua.EndpointDescription
}

// URL returns the endpoint's connection URL.
func (e Endpoint) URL() string {
	if e.Description == nil {
		return ""
	}
	return e.Description.EndpointURL
}

// SecurityLevel returns the endpoint's server-advertised security level,
// or -1 when the endpoint has no description.
func (e Endpoint) SecurityLevel() int {
	if e.Description == nil {
		return -1
	}
	return int(e.Description.SecurityLevel)
}

// UserIdentity is a tagged variant over the four identity kinds OPC UA
// supports. The core never inspects it: it hands the value unchanged to
// the ChannelFactory, and the Channel implementation produces the token
// for ActivateSession.
type UserIdentity interface {
	// Token returns the wire token plus the security policy URI to use
	// when encoding it. The core itself never calls it.
	Token() (token any, policyURI string)
}

// AnonymousIdentity authenticates without credentials.
type AnonymousIdentity struct{ PolicyID string }

// Token implements UserIdentity.
func (a AnonymousIdentity) Token() (any, string) {
	return &ua.AnonymousIdentityToken{PolicyID: a.PolicyID}, ""
}

// UserNameIdentity authenticates with a username/password pair.
type UserNameIdentity struct {
	PolicyID string
	Username string
	Password []byte
}

// Token implements UserIdentity.
func (u UserNameIdentity) Token() (any, string) {
	return &ua.UserNameIdentityToken{
		PolicyID: u.PolicyID,
		UserName: u.Username,
		Password: u.Password,
	}, ""
}

// IssuedTokenIdentity authenticates with a server- or IdP-issued token
// (e.g. a SAML/JWT assertion).
type IssuedTokenIdentity struct {
	PolicyID string
	Token    []byte
}

// Token implements UserIdentity.
func (i IssuedTokenIdentity) Token() (any, string) {
	return &ua.IssuedIdentityToken{PolicyID: i.PolicyID, TokenData: i.Token}, ""
}

// X509Identity authenticates with a client certificate; the corresponding
// private key is used out-of-band by the channel to sign the session nonce.
type X509Identity struct {
	PolicyID    string
	Certificate []byte
}

// Token implements UserIdentity.
func (x X509Identity) Token() (any, string) {
	return &ua.X509IdentityToken{PolicyID: x.PolicyID, CertificateData: x.Certificate}, ""
}

// SessionConfiguration holds the immutable, user-supplied settings for a
// session client. None of these change after construction.
type SessionConfiguration struct {
	// RequestedSessionTimeout is the session timeout requested from the
	// server at CreateSession time.
	RequestedSessionTimeout time.Duration

	// DefaultRequestTimeout is used to fill RequestHeader.TimeoutHint for
	// any request that doesn't specify one explicitly.
	DefaultRequestTimeout time.Duration

	// ReturnDiagnostics is forwarded verbatim into every RequestHeader.
	ReturnDiagnostics uint32

	// Transport sizing hints, forwarded to the channel at Open time.
	SendBufferSize    uint32
	ReceiveBufferSize uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
}

// DefaultSessionConfiguration returns sane defaults modeled after the
// values most OPC UA stacks ship with.
func DefaultSessionConfiguration() SessionConfiguration {
	return SessionConfiguration{
		RequestedSessionTimeout: 60 * time.Second,
		DefaultRequestTimeout:   15 * time.Second,
		SendBufferSize:          64 * 1024,
		ReceiveBufferSize:       64 * 1024,
		MaxMessageSize:          4 * 1024 * 1024,
		MaxChunkCount:           0,
	}
}

// serviceOperation holds one pending user RPC from submission to
// completion. It is completed exactly once: by a response, a timeout, a
// cancellation, or a terminal channel-closed error (spec TP5).
type serviceOperation struct {
	req    *Request
	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

func newServiceOperation(req *Request) *serviceOperation {
	return &serviceOperation{req: req, done: make(chan struct{})}
}

// complete finalizes the operation. Subsequent calls are no-ops, which is
// what guarantees the "exactly once" contract even when a timeout and a
// late response race each other.
func (op *serviceOperation) complete(result any, err error) {
	op.once.Do(func() {
		op.result = result
		op.err = err
		close(op.done)
	})
}

// Filter is a tagged variant over the two monitored-item filter kinds.
type Filter interface{ isFilter() }

// DataChangeFilter configures trigger and deadband behavior for a
// data-change monitored item.
type DataChangeFilter struct {
	Trigger      ua.DataChangeTrigger
	DeadbandType uint32
	DeadbandValue float64
}

func (DataChangeFilter) isFilter() {}

// EventFilter configures the select-clauses an event monitored item
// reports fields for.
type EventFilter struct {
	SelectClauses []*ua.SimpleAttributeOperand
}

func (EventFilter) isFilter() {}

// MonitoredItem is a server-side watch on a node attribute. ClientHandle
// is assigned once and never changes across reconnections (invariant 3);
// ServerItemID is assigned by the server and reset whenever the owning
// subscription is recreated.
type MonitoredItem struct {
	NodeID           *ua.NodeID
	AttributeID      ua.AttributeID
	IndexRange       string
	MonitoringMode   ua.MonitoringMode
	SamplingInterval float64
	Filter           Filter
	QueueSize        uint32
	DiscardOldest    bool

	ClientHandle uint32
	ServerItemID uint32

	Binding Binding

	mu            sync.RWMutex
	status        ua.StatusCode
	lastWriteBack any
}

// setStatus records the status CreateMonitoredItems returned for this item
// at its latest (re)creation and forwards it to the binding.
func (m *MonitoredItem) setStatus(code ua.StatusCode) {
	m.mu.Lock()
	m.status = code
	m.mu.Unlock()
	if m.Binding != nil {
		m.Binding.onCreateResult(code)
	}
}

// Status returns the last known status for this item.
func (m *MonitoredItem) Status() ua.StatusCode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// noteWriteBack records dv as the last value observed for this item,
// whether freshly applied from a notification or just written back, and
// reports whether it differs from the previously observed value. The
// write-back pump uses this to detect a local mutation of a bound field
// without diffing raw bytes on every sweep (spec §4.6 write-back).
func (m *MonitoredItem) noteWriteBack(dv *ua.DataValue) bool {
	var raw any
	if dv != nil && dv.Value != nil {
		raw = dv.Value.Value()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if reflect.DeepEqual(raw, m.lastWriteBack) {
		return false
	}
	m.lastWriteBack = raw
	return true
}

// Subscription is a user-declared unit of interest. ServerSubscriptionID
// is non-zero only while the owning client's channel is Opened (invariant
// 2); it is reset on every non-Opened transition.
type Subscription struct {
	PublishingInterval time.Duration
	KeepAliveCount     uint32
	LifetimeCount      uint32 // 0 = use 3*KeepAliveCount, or the session timeout when KeepAliveCount is also 0
	PublishingEnabled  bool
	Priority           uint8
	Items              []*MonitoredItem

	mu                   sync.Mutex
	serverSubscriptionID uint32
}

// ServerID returns the current server-assigned subscription id, or 0 if
// unbound.
func (s *Subscription) ServerID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverSubscriptionID
}

func (s *Subscription) setServerID(id uint32) {
	s.mu.Lock()
	s.serverSubscriptionID = id
	s.mu.Unlock()
}

func (s *Subscription) resetServerID() {
	s.setServerID(0)
}

// effectiveLifetimeCount implements the derivation rule from spec §4.4:
// requestedLifetimeCount defaults to max(configured, 3*keepAliveCount),
// and, if still zero, to ceil(sessionTimeout/publishingInterval).
func (s *Subscription) effectiveLifetimeCount(sessionTimeout time.Duration) uint32 {
	lc := s.LifetimeCount
	min := 3 * s.KeepAliveCount
	if lc < min {
		lc = min
	}
	if lc == 0 && s.PublishingInterval > 0 {
		lc = uint32((sessionTimeout + s.PublishingInterval - 1) / s.PublishingInterval)
	}
	return lc
}

// DataChangeItem is one entry inside a data-change notification.
type DataChangeItem struct {
	ClientHandle uint32
	Value        *ua.DataValue
}

// EventItem is one entry inside an event notification.
type EventItem struct {
	ClientHandle uint32
	Fields       []*ua.Variant
}

// Notification is a tagged variant over the two notification shapes a
// publish response can carry.
type Notification struct {
	DataChange []DataChangeItem
	Event      []EventItem
}
