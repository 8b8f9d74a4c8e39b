package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveGroup(t *testing.T) {
	withGroup := &MessagePointer{MessageGroup: "orders"}
	assert.Equal(t, "orders", withGroup.EffectiveGroup())

	withoutGroup := &MessagePointer{}
	assert.Equal(t, DefaultGroup, withoutGroup.EffectiveGroup())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := &MessagePointer{
		JobID:          "job-1",
		DispatchPoolID: "pool-a",
		MessageGroup:   "group-1",
		TargetURL:      "https://example.test/hook",
		Headers:        map[string]string{"X-Test": "1"},
		Payload:        `{"k":"v"}`,
		MaxRetries:     3,
		MediationType:  MediationTypeHTTP,
	}

	data, err := original.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessagePointer(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestDecodeMessagePointerInvalidJSON(t *testing.T) {
	_, err := DecodeMessagePointer([]byte("not json"))
	assert.Error(t, err)
}

func TestMediationKindString(t *testing.T) {
	cases := map[MediationKind]string{
		MediationSuccess:         "Success",
		MediationErrorProcess:    "ErrorProcess",
		MediationErrorConfig:     "ErrorConfig",
		MediationErrorConnection: "ErrorConnection",
		MediationKind(99):        "Unknown",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}

func TestOutcomeConstructors(t *testing.T) {
	assert.Equal(t, MediationSuccess, Success().Kind)

	delay := 30
	status := 500
	p := ErrorProcess(&delay, &status, nil)
	assert.Equal(t, MediationErrorProcess, p.Kind)
	assert.Equal(t, 30, *p.DelaySeconds)
	assert.True(t, p.Retryable())

	c := ErrorConfig(&status, nil)
	assert.Equal(t, MediationErrorConfig, c.Kind)
	assert.False(t, c.Retryable())

	conn := ErrorConnection(nil)
	assert.Equal(t, MediationErrorConnection, conn.Kind)
	assert.True(t, conn.Retryable())

	assert.False(t, Success().Retryable())
}
