package opcua

import (
	"reflect"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	tdd "github.com/stretchr/testify/assert"
	xlog "go.bryk.io/pkg/log"
)

type probeTarget struct {
	_       Marker `opcua:"subscription" interval:"2s" keepalive:"5" lifetime:"20" enabled:"true"`
	Temp    float64
	Reading *ua.DataValue
	History *Queue[*ua.DataValue]
	Alarm   EventRecord
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := &Client{
		log:      xlog.Discard(),
		metrics:  newNoopMetricsSet(),
		mux:      newMultiplexer(xlog.Discard()),
		registry: newSubscriptionRegistry(xlog.Discard()),
	}
	return c
}

func taggedTarget() *struct {
	_    Marker  `opcua:"subscription" interval:"2s" keepalive:"5" lifetime:"20" enabled:"true"`
	Temp float64 `opcua:"item" node:"ns=2;s=Temp" attr:"Value"`
} {
	return &struct {
		_    Marker  `opcua:"subscription" interval:"2s" keepalive:"5" lifetime:"20" enabled:"true"`
		Temp float64 `opcua:"item" node:"ns=2;s=Temp" attr:"Value"`
	}{}
}

func TestRegisterParsesSubscriptionTag(t *testing.T) {
	assert := tdd.New(t)

	c := newTestClient(t)
	target := taggedTarget()

	h, err := Register(c, target)
	assert.NoError(err)
	assert.NotNil(h)
	assert.Len(c.registry.list(), 1)

	sub := c.registry.list()[0].sub
	assert.Equal(2*time.Second, sub.PublishingInterval)
	assert.Equal(uint32(5), sub.KeepAliveCount)
	assert.Equal(uint32(20), sub.LifetimeCount)
	assert.True(sub.PublishingEnabled)
	assert.Len(sub.Items, 1)
	assert.Equal(ua.AttributeIDValue, sub.Items[0].AttributeID)
}

func TestRegisterRejectsMissingNodeTag(t *testing.T) {
	assert := tdd.New(t)

	c := newTestClient(t)
	bad := &struct {
		_     Marker  `opcua:"subscription"`
		Field float64 `opcua:"item"`
	}{}

	_, err := Register(c, bad)
	assert.Error(err)
	assert.True(IsKind(err, KindConfigurationError))
}

func TestBindingForSelectsVariantByFieldShape(t *testing.T) {
	assert := tdd.New(t)

	var target probeTarget
	v := reflect.ValueOf(&target).Elem()

	_, ok := bindingFor("Reading", v.FieldByName("Reading")).(*DataValueBinding)
	assert.True(ok)

	_, ok = bindingFor("History", v.FieldByName("History")).(*DataValueQueueBinding)
	assert.True(ok)

	_, ok = bindingFor("Alarm", v.FieldByName("Alarm")).(*EventBinding)
	assert.True(ok)

	_, ok = bindingFor("Temp", v.FieldByName("Temp")).(*ValueBinding)
	assert.True(ok)
}
