package opcua

import (
	"sync"

	"github.com/gopcua/opcua/ua"
)

// ItemError is delivered on a binding's optional Errors() surface whenever
// the server reports a bad status for the item, either at creation time or
// during a later write-back.
type ItemError struct {
	Field  string
	Status ua.StatusCode
}

// Binding is the closed set of ways an incoming notification can update a
// user model, and a user-side change can be written back to the server.
// Concrete variants replace the reflection-driven dispatch a managed
// runtime would use (spec §9) with a plain interface switch.
type Binding interface {
	// apply delivers a data-change value to the binding.
	apply(v *ua.DataValue)

	// applyEvent delivers an event field tuple to the binding.
	applyEvent(fields []*ua.Variant)

	// readBack returns the value to write to the server, or false if the
	// bound attribute is not writable.
	readBack() (*ua.DataValue, bool)

	// onCreateResult records the status returned for this item by
	// CreateMonitoredItems (or a later recreation).
	onCreateResult(status ua.StatusCode)

	// onWriteResult records the status returned for a write-back.
	onWriteResult(status ua.StatusCode)

	// fieldName identifies the bound user field for the errors surface.
	fieldName() string
}

// bindingBase factors the shared last-status bookkeeping and the optional,
// lazily-allocated error surface every concrete binding exposes.
type bindingBase struct {
	name string

	mu     sync.Mutex
	last   ua.StatusCode
	errors chan ItemError
}

// Errors returns a channel that receives a notification whenever this
// binding's status turns bad. The channel is allocated on first call, so a
// caller that never asks for it pays nothing (spec §4.6/§7: "optional ...
// may be omitted in headless use").
func (b *bindingBase) Errors() <-chan ItemError {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.errors == nil {
		b.errors = make(chan ItemError, 8)
	}
	return b.errors
}

func (b *bindingBase) fieldName() string { return b.name }

func (b *bindingBase) record(status ua.StatusCode) {
	b.mu.Lock()
	b.last = status
	ch := b.errors
	b.mu.Unlock()
	if status == ua.StatusOK || ch == nil {
		return
	}
	select {
	case ch <- ItemError{Field: b.name, Status: status}:
	default:
		// Errors surface is a best-effort UI hint; never block the
		// dispatcher or the write-back path on a slow/absent reader.
	}
}

func (b *bindingBase) onCreateResult(status ua.StatusCode) { b.record(status) }
func (b *bindingBase) onWriteResult(status ua.StatusCode)   { b.record(status) }

// DataValueBinding stores the raw value, status and timestamps into a
// user-supplied setter. It is chosen for a scalar DataValue field.
type DataValueBinding struct {
	bindingBase
	Set func(*ua.DataValue)
	Get func() (*ua.DataValue, bool) // ok=false means not currently writable
}

// NewDataValueBinding builds a binding that stores the full DataValue.
func NewDataValueBinding(field string, set func(*ua.DataValue), get func() (*ua.DataValue, bool)) *DataValueBinding {
	return &DataValueBinding{bindingBase: bindingBase{name: field}, Set: set, Get: get}
}

func (d *DataValueBinding) apply(v *ua.DataValue)            { d.Set(v) }
func (d *DataValueBinding) applyEvent(_ []*ua.Variant)       {}
func (d *DataValueBinding) readBack() (*ua.DataValue, bool) {
	if d.Get == nil {
		return nil, false
	}
	return d.Get()
}

// ValueBinding stores only the unwrapped, coerced Go value. If the
// incoming variant cannot be coerced to the target shape, the field
// receives the type's zero value rather than surfacing an error (spec
// §4.6 point 2).
type ValueBinding struct {
	bindingBase
	Set func(any)
	Get func() (any, bool)
	// Coerce adapts a raw *ua.Variant payload to the field's declared Go
	// shape; it must return the zero value (not panic) for a mismatch.
	Coerce func(any) any
}

// NewValueBinding builds a binding that stores a coerced scalar or array
// value instead of the full DataValue wrapper.
func NewValueBinding(field string, set func(any), get func() (any, bool), coerce func(any) any) *ValueBinding {
	return &ValueBinding{bindingBase: bindingBase{name: field}, Set: set, Get: get, Coerce: coerce}
}

func (v *ValueBinding) apply(dv *ua.DataValue) {
	var raw any
	if dv != nil && dv.Value != nil {
		raw = dv.Value.Value()
	}
	if v.Coerce != nil {
		raw = v.Coerce(raw)
	}
	v.Set(raw)
}

func (v *ValueBinding) applyEvent(_ []*ua.Variant) {}

func (v *ValueBinding) readBack() (*ua.DataValue, bool) {
	if v.Get == nil {
		return nil, false
	}
	raw, ok := v.Get()
	if !ok {
		return nil, false
	}
	variant, err := ua.NewVariant(raw)
	if err != nil {
		return nil, false
	}
	return &ua.DataValue{EncodingMask: ua.DataValueValue, Value: variant}, true
}

// DataValueQueueBinding appends every incoming DataValue to a
// caller-owned, observable FIFO. The queue is never drained by the core;
// unbounded growth if the caller stops draining is the caller's choice
// (spec §5 back-pressure note).
type DataValueQueueBinding struct {
	bindingBase
	Push func(*ua.DataValue)
}

// NewDataValueQueueBinding builds a binding that enqueues DataValues.
func NewDataValueQueueBinding(field string, push func(*ua.DataValue)) *DataValueQueueBinding {
	return &DataValueQueueBinding{bindingBase: bindingBase{name: field}, Push: push}
}

func (q *DataValueQueueBinding) apply(v *ua.DataValue)         { q.Push(v) }
func (q *DataValueQueueBinding) applyEvent(_ []*ua.Variant)    {}
func (q *DataValueQueueBinding) readBack() (*ua.DataValue, bool) { return nil, false }

// EventRecord is the target shape of a deserialized event monitored item:
// one value per declared select-clause, in clause order.
type EventRecord struct {
	Fields []*ua.Variant
}

// EventBinding deserializes an event field tuple into a user record
// according to the record's declared select-clause order.
type EventBinding struct {
	bindingBase
	Set func(EventRecord)
}

// NewEventBinding builds a binding that stores the latest event record.
func NewEventBinding(field string, set func(EventRecord)) *EventBinding {
	return &EventBinding{bindingBase: bindingBase{name: field}, Set: set}
}

func (e *EventBinding) apply(_ *ua.DataValue) {}
func (e *EventBinding) applyEvent(fields []*ua.Variant) {
	e.Set(EventRecord{Fields: fields})
}
func (e *EventBinding) readBack() (*ua.DataValue, bool) { return nil, false }

// EventQueueBinding enqueues every incoming event record to a
// caller-owned, observable FIFO.
type EventQueueBinding struct {
	bindingBase
	Push func(EventRecord)
}

// NewEventQueueBinding builds a binding that enqueues event records.
func NewEventQueueBinding(field string, push func(EventRecord)) *EventQueueBinding {
	return &EventQueueBinding{bindingBase: bindingBase{name: field}, Push: push}
}

func (e *EventQueueBinding) apply(_ *ua.DataValue) {}
func (e *EventQueueBinding) applyEvent(fields []*ua.Variant) {
	e.Push(EventRecord{Fields: fields})
}
func (e *EventQueueBinding) readBack() (*ua.DataValue, bool) { return nil, false }
