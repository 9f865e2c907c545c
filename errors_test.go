package opcua

import (
	"errors"
	"testing"

	tdd "github.com/stretchr/testify/assert"
)

func TestOpErrorIsKind(t *testing.T) {
	assert := tdd.New(t)

	err := newOpError(KindRequestTimeout, errors.New("deadline exceeded"))
	assert.True(IsKind(err, KindRequestTimeout))
	assert.False(IsKind(err, KindCanceled))
	assert.Contains(err.Error(), "request-timeout")
}

func TestServiceFaultCarriesStatusCode(t *testing.T) {
	assert := tdd.New(t)

	err := newServiceFault(KindServiceFault, 0x80340000)
	assert.Equal(uint32(0x80340000), err.StatusCode)
	assert.True(IsKind(err, KindServiceFault))
	assert.Contains(err.Error(), "0x80340000")
}

func TestIsKindRejectsPlainErrors(t *testing.T) {
	assert := tdd.New(t)
	assert.False(IsKind(errors.New("boom"), KindUnknown))
}
