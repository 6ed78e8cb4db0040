package kafka

import segkafka "github.com/segmentio/kafka-go"

// Headers stamped on every descriptor message.
const (
	HeaderTaskName    = "taskpulse-task-name"
	HeaderContentType = "content-type"
)

// Header is an application header attached to a published message.
type Header struct {
	Key   string
	Value string
}

// HeaderCarrier exposes message headers to the OpenTelemetry propagator and
// to consumers looking up task metadata without decoding the payload.
type HeaderCarrier []segkafka.Header

// newCarrier starts a carrier from application headers.
func newCarrier(extra []Header) HeaderCarrier {
	c := make(HeaderCarrier, 0, len(extra)+2)
	for _, h := range extra {
		c.Set(h.Key, h.Value)
	}
	return c
}

// Get returns the value of the last header named key, or "".
func (c HeaderCarrier) Get(key string) string {
	for i := len(c) - 1; i >= 0; i-- {
		if c[i].Key == key {
			return string(c[i].Value)
		}
	}
	return ""
}

// Set replaces every header named key with a single key=value header.
func (c *HeaderCarrier) Set(key, value string) {
	kept := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			kept = append(kept, h)
		}
	}
	*c = append(kept, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		keys = append(keys, h.Key)
	}
	return keys
}
