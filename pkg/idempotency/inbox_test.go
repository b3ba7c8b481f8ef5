package idempotency

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyIsDeterministic(t *testing.T) {
	a := Key("pharm-1", "rx-1", "retry-abc")
	b := Key("pharm-1", "rx-1", "retry-abc")
	c := Key("pharm-2", "rx-1", "retry-abc")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestKeyPartsAreDelimited(t *testing.T) {
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
}

func TestSamePayload(t *testing.T) {
	assert.True(t, samePayload(json.RawMessage(`{"a":1,"b":2}`), json.RawMessage(`{"b":2, "a":1}`)))
	assert.False(t, samePayload(json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`)))
	assert.True(t, samePayload(nil, json.RawMessage(`{"a":1}`)))
}

func TestDefaultInboxConfigAppliedToZeroValues(t *testing.T) {
	i := NewInbox(nil, InboxConfig{}, nil)
	assert.Equal(t, DefaultInboxConfig().DefaultTTL, i.config.DefaultTTL)
	assert.Equal(t, DefaultInboxConfig().RecoveryTimeout, i.config.RecoveryTimeout)
}
