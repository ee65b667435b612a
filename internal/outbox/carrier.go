package outbox

// MessageCarrier adapts an Event's headers to the OpenTelemetry text-map
// carrier so the writing transaction's trace context travels with the event.
type MessageCarrier struct {
	event *Event
}

// NewMessageCarrier wraps the event for trace-context injection.
func NewMessageCarrier(event *Event) MessageCarrier {
	if event.Headers == nil {
		event.Headers = make(map[string]string)
	}
	return MessageCarrier{event: event}
}

func (c MessageCarrier) Get(key string) string {
	return c.event.Headers[key]
}

func (c MessageCarrier) Set(key, value string) {
	c.event.Headers[key] = value
}

func (c MessageCarrier) Keys() []string {
	keys := make([]string, 0, len(c.event.Headers))
	for k := range c.event.Headers {
		keys = append(keys, k)
	}
	return keys
}
