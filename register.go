package opcua

import (
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua/ua"
)

// nextClientHandle hands out process-unique monitored-item handles.
// Invariant 3 requires these to survive reconnection, which is trivially
// true here since they are never derived from anything server-assigned.
var nextClientHandle uint32

func newClientHandle() uint32 {
	return atomic.AddUint32(&nextClientHandle, 1)
}

// Queue is the observable FIFO the spec's DataValue-queue and event-queue
// bindings append to (§4.6 points 3/5). The core never drains it; an
// application that stops reading risks unbounded growth by its own choice
// (spec §5 back-pressure note).
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

// NewQueue returns an empty, ready-to-use observable queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Push appends v and wakes up any pending Notify() waiter.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest item, if any.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

// Len reports the number of items currently queued.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Notify fires (coalesced, non-blocking) whenever an item is pushed.
func (q *Queue[T]) Notify() <-chan struct{} { return q.notify }

// subscriptionTag carries the subscription-level declarative settings
// parsed off a struct's marker field (spec §6.3).
type subscriptionTag struct {
	endpointURL        string
	publishingInterval time.Duration
	keepAliveCount     uint32
	lifetimeCount      uint32
	publishingEnabled  bool
}

// Marker is a zero-size field type used purely to carry the subscription
// tag via reflect.StructTag; it never holds a value.
//
//	type Readings struct {
//	    _    opcua.Marker `opcua:"subscription" endpoint:"opc.tcp://host:4840" interval:"1s"`
//	    Temp float64      `opcua:"item" node:"ns=2;s=Temp" attr:"Value"`
//	}
type Marker struct{}

// SubscriptionSpec is the procedural equivalent of the declarative
// subscription tag, for callers who would rather not declare a Go struct
// type (spec §4.7 "added": both paths end at registry.add()).
type SubscriptionSpec struct {
	EndpointURL        string
	PublishingInterval time.Duration
	KeepAliveCount     uint32
	LifetimeCount      uint32
	PublishingEnabled  bool
	Items              []*MonitoredItem
}

// ToSubscription builds the runtime Subscription value for this spec.
func (s SubscriptionSpec) ToSubscription() *Subscription {
	return &Subscription{
		PublishingInterval: s.PublishingInterval,
		KeepAliveCount:     s.KeepAliveCount,
		LifetimeCount:      s.LifetimeCount,
		PublishingEnabled:  s.PublishingEnabled,
		Items:              s.Items,
	}
}

// baseEventTypeID is ns=0;i=2041, the BaseEventType every server-defined
// event type derives from (OPC UA Part 5 §6.4.2.1); it anchors the
// default select-clauses buildEventFilter falls back to.
const baseEventTypeID = 2041

var triggerByName = map[string]ua.DataChangeTrigger{
	"Status":               ua.DataChangeTriggerStatus,
	"StatusValue":          ua.DataChangeTriggerStatusValue,
	"StatusValueTimestamp": ua.DataChangeTriggerStatusValueTimestamp,
}

var attributeByName = map[string]ua.AttributeID{
	"NodeId":           ua.AttributeIDNodeID,
	"NodeClass":        ua.AttributeIDNodeClass,
	"BrowseName":       ua.AttributeIDBrowseName,
	"DisplayName":      ua.AttributeIDDisplayName,
	"Value":            ua.AttributeIDValue,
	"DataType":         ua.AttributeIDDataType,
	"EventNotifier":    ua.AttributeIDEventNotifier,
	"Historizing":      ua.AttributeIDHistorizing,
}

func parseAttributeID(s string) ua.AttributeID {
	if s == "" {
		return ua.AttributeIDValue
	}
	if id, ok := attributeByName[s]; ok {
		return id
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return ua.AttributeID(n)
	}
	return ua.AttributeIDValue
}

// Register inspects target's tagged fields to derive a CreateSubscription
// configuration and its monitored items' node addresses, filters, and
// queue sizes (spec §4.7), builds the corresponding bindings (spec §4.6
// point 2), and registers the result with c's subscription registry.
// target must be a non-nil pointer to a struct; it is also the object
// whose garbage collection the registry watches for (spec §3 "weak
// reference").
func Register[T any](c *Client, target *T) (*Handle, error) {
	if target == nil {
		return nil, newOpError(KindConfigurationError, nil)
	}
	v := reflect.ValueOf(target).Elem()
	t := v.Type()
	if t.Kind() != reflect.Struct {
		return nil, newOpError(KindConfigurationError, nil)
	}

	tag, err := parseSubscriptionTag(t)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		PublishingInterval: tag.publishingInterval,
		KeepAliveCount:     tag.keepAliveCount,
		LifetimeCount:      tag.lifetimeCount,
		PublishingEnabled:  tag.publishingEnabled,
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Tag.Get("opcua") != "item" {
			continue
		}
		mi, err := buildMonitoredItem(field, v.Field(i))
		if err != nil {
			return nil, err
		}
		sub.Items = append(sub.Items, mi)
	}

	return c.Add(target, sub)
}

func parseSubscriptionTag(t reflect.Type) (subscriptionTag, error) {
	tag := subscriptionTag{
		publishingInterval: time.Second,
		keepAliveCount:     10,
		publishingEnabled:  true,
	}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Tag.Get("opcua") != "subscription" {
			continue
		}
		if v := field.Tag.Get("endpoint"); v != "" {
			tag.endpointURL = v
		}
		if v := field.Tag.Get("interval"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return tag, newOpError(KindConfigurationError, err)
			}
			tag.publishingInterval = d
		}
		if v := field.Tag.Get("keepalive"); v != "" {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return tag, newOpError(KindConfigurationError, err)
			}
			tag.keepAliveCount = uint32(n)
		}
		if v := field.Tag.Get("lifetime"); v != "" {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return tag, newOpError(KindConfigurationError, err)
			}
			tag.lifetimeCount = uint32(n)
		}
		if v := field.Tag.Get("enabled"); v != "" {
			tag.publishingEnabled = strings.EqualFold(v, "true")
		}
		return tag, nil
	}
	return tag, nil
}

func buildMonitoredItem(field reflect.StructField, fv reflect.Value) (*MonitoredItem, error) {
	nodeStr := field.Tag.Get("node")
	if nodeStr == "" {
		return nil, newOpError(KindConfigurationError, nil)
	}
	nodeID, err := ua.ParseNodeID(nodeStr)
	if err != nil {
		return nil, newOpError(KindConfigurationError, err)
	}

	mi := &MonitoredItem{
		NodeID:         nodeID,
		AttributeID:    parseAttributeID(field.Tag.Get("attr")),
		IndexRange:     field.Tag.Get("range"),
		MonitoringMode: ua.MonitoringModeReporting,
		ClientHandle:   newClientHandle(),
		QueueSize:      1,
		DiscardOldest:  true,
	}
	if v := field.Tag.Get("sampling"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			mi.SamplingInterval = f
		}
	} else {
		mi.SamplingInterval = -1
	}
	if v := field.Tag.Get("queue"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			mi.QueueSize = uint32(n)
		}
	}
	if v := field.Tag.Get("discard"); v != "" {
		mi.DiscardOldest = strings.EqualFold(v, "true")
	}
	mi.Filter = buildFilter(field, fv)

	mi.Binding = bindingFor(field.Name, fv)
	return mi, nil
}

// buildFilter derives the item's wire Filter from its declared tag
// fields, choosing the DataChangeFilter or EventFilter shape to match the
// binding variant bindingFor selects for the same field (spec §6.3's
// dataChangeTrigger/deadbandType/deadbandValue fields, and the event
// select-clause derivation from §4.7 point 3).
func buildFilter(field reflect.StructField, fv reflect.Value) Filter {
	switch fv.Addr().Interface().(type) {
	case *EventRecord, **Queue[EventRecord]:
		return buildEventFilter(field)
	default:
		return buildDataChangeFilter(field)
	}
}

func buildDataChangeFilter(field reflect.StructField) DataChangeFilter {
	f := DataChangeFilter{Trigger: ua.DataChangeTriggerStatusValue}
	if v := field.Tag.Get("trigger"); v != "" {
		if t, ok := triggerByName[v]; ok {
			f.Trigger = t
		}
	}
	if v := field.Tag.Get("deadbandtype"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			f.DeadbandType = uint32(n)
		}
	}
	if v := field.Tag.Get("deadbandvalue"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			f.DeadbandValue = n
		}
	}
	return f
}

// buildEventFilter reads a comma-separated "select" tag naming the
// BaseEventType browse names to report, in order, as the record's Fields
// (spec §4.7 point 3: "derives select-clauses from the record's declared
// fields"). A field with no "select" tag gets the handful of BaseEventType
// fields every server populates.
func buildEventFilter(field reflect.StructField) EventFilter {
	raw := field.Tag.Get("select")
	if raw == "" {
		return EventFilter{SelectClauses: defaultEventSelectClauses()}
	}
	names := strings.Split(raw, ",")
	clauses := make([]*ua.SimpleAttributeOperand, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		clauses = append(clauses, eventSelectClause(n))
	}
	return EventFilter{SelectClauses: clauses}
}

func defaultEventSelectClauses() []*ua.SimpleAttributeOperand {
	names := []string{"EventType", "SourceName", "Time", "Message", "Severity"}
	out := make([]*ua.SimpleAttributeOperand, len(names))
	for i, name := range names {
		out[i] = eventSelectClause(name)
	}
	return out
}

func eventSelectClause(name string) *ua.SimpleAttributeOperand {
	return &ua.SimpleAttributeOperand{
		TypeDefinitionID: ua.NewNumericNodeID(0, baseEventTypeID),
		BrowsePath:       []*ua.QualifiedName{{Name: name}},
		AttributeID:      ua.AttributeIDValue,
	}
}

// bindingFor chooses a binding variant from the field's declared Go shape
// (spec §4.6 point 2 / §4.7 point 2): a *ua.DataValue field gets the
// DataValue binding, a *Queue[*ua.DataValue] gets the DataValue-queue
// binding, a *Queue[EventRecord] gets the event-queue binding, an
// EventRecord-shaped field gets the event binding, and anything else gets
// the unwrapped-value binding with best-effort type coercion.
func bindingFor(name string, fv reflect.Value) Binding {
	switch ptr := fv.Addr().Interface().(type) {
	case **ua.DataValue:
		return NewDataValueBinding(name,
			func(v *ua.DataValue) { *ptr = v },
			func() (*ua.DataValue, bool) { return *ptr, *ptr != nil })
	case *EventRecord:
		return NewEventBinding(name, func(r EventRecord) { *ptr = r })
	case **Queue[*ua.DataValue]:
		return NewDataValueQueueBinding(name, func(v *ua.DataValue) {
			if *ptr == nil {
				*ptr = NewQueue[*ua.DataValue]()
			}
			(*ptr).Push(v)
		})
	case **Queue[EventRecord]:
		return NewEventQueueBinding(name, func(r EventRecord) {
			if *ptr == nil {
				*ptr = NewQueue[EventRecord]()
			}
			(*ptr).Push(r)
		})
	}

	return NewValueBinding(name,
		func(raw any) { setCoerced(fv, raw) },
		func() (any, bool) {
			if !fv.CanInterface() {
				return nil, false
			}
			return fv.Interface(), true
		},
		func(raw any) any { return coerceTo(fv.Type(), raw) },
	)
}

// setCoerced writes raw into fv after coercing it to fv's declared type,
// falling back to the type's zero value on mismatch rather than panicking
// (spec §4.6 point 2).
func setCoerced(fv reflect.Value, raw any) {
	coerced := coerceTo(fv.Type(), raw)
	rv := reflect.ValueOf(coerced)
	if !rv.IsValid() {
		fv.Set(reflect.Zero(fv.Type()))
		return
	}
	if rv.Type().AssignableTo(fv.Type()) {
		fv.Set(rv)
		return
	}
	if rv.Type().ConvertibleTo(fv.Type()) {
		fv.Set(rv.Convert(fv.Type()))
		return
	}
	fv.Set(reflect.Zero(fv.Type()))
}

func coerceTo(target reflect.Type, raw any) any {
	if raw == nil {
		return reflect.Zero(target).Interface()
	}
	rv := reflect.ValueOf(raw)
	if rv.Type().AssignableTo(target) {
		return raw
	}
	if rv.Type().ConvertibleTo(target) {
		return rv.Convert(target).Interface()
	}
	return reflect.Zero(target).Interface()
}
