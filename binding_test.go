package opcua

import (
	"testing"

	"github.com/gopcua/opcua/ua"
	tdd "github.com/stretchr/testify/assert"
)

func TestDataValueBindingApplyAndReadBack(t *testing.T) {
	assert := tdd.New(t)

	var stored *ua.DataValue
	b := NewDataValueBinding("temp",
		func(v *ua.DataValue) { stored = v },
		func() (*ua.DataValue, bool) { return stored, stored != nil })

	dv := &ua.DataValue{StatusCode: ua.StatusOK}
	b.apply(dv)
	assert.Same(dv, stored)

	got, ok := b.readBack()
	assert.True(ok)
	assert.Same(dv, got)
}

func TestValueBindingCoercesAndZerosOnMismatch(t *testing.T) {
	assert := tdd.New(t)

	var field float64
	b := NewValueBinding("temp",
		func(v any) { field = v.(float64) },
		func() (any, bool) { return field, true },
		func(raw any) any {
			f, ok := raw.(float64)
			if !ok {
				return 0.0
			}
			return f
		},
	)

	variant, err := ua.NewVariant(21.5)
	assert.NoError(err)
	b.apply(&ua.DataValue{Value: variant})
	assert.Equal(21.5, field)

	b.apply(&ua.DataValue{Value: nil})
	assert.Equal(0.0, field)
}

func TestDataValueQueueBindingAccumulates(t *testing.T) {
	assert := tdd.New(t)

	q := NewQueue[*ua.DataValue]()
	b := NewDataValueQueueBinding("temp", q.Push)

	b.apply(&ua.DataValue{StatusCode: ua.StatusOK})
	b.apply(&ua.DataValue{StatusCode: ua.StatusOK})
	assert.Equal(2, q.Len())

	_, ok := q.Pop()
	assert.True(ok)
	assert.Equal(1, q.Len())
}

func TestEventBindingStoresFields(t *testing.T) {
	assert := tdd.New(t)

	var got EventRecord
	b := NewEventBinding("alarm", func(r EventRecord) { got = r })

	v1, _ := ua.NewVariant("high")
	fields := []*ua.Variant{v1}
	b.applyEvent(fields)
	assert.Equal(fields, got.Fields)
}

func TestBindingRecordsCreateResultErrors(t *testing.T) {
	assert := tdd.New(t)

	b := NewValueBinding("temp", func(any) {}, nil, nil)
	errs := b.Errors()
	b.onCreateResult(ua.StatusBadNodeIDUnknown)

	select {
	case e := <-errs:
		assert.Equal("temp", e.Field)
		assert.Equal(ua.StatusBadNodeIDUnknown, e.Status)
	default:
		t.Fatal("expected an error notification")
	}
}
