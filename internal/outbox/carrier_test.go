package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageCarrier_SetAndGet(t *testing.T) {
	event := &Event{}
	carrier := NewMessageCarrier(event)

	carrier.Set("traceparent", "00-abc-def-01")

	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.Equal(t, "00-abc-def-01", event.Headers["traceparent"])
}

func TestMessageCarrier_GetMissingKey(t *testing.T) {
	carrier := NewMessageCarrier(&Event{})
	assert.Equal(t, "", carrier.Get("missing"))
}

func TestMessageCarrier_Keys(t *testing.T) {
	event := &Event{Headers: map[string]string{"a": "1", "b": "2"}}
	carrier := NewMessageCarrier(event)

	assert.ElementsMatch(t, []string{"a", "b"}, carrier.Keys())
}
