package progress

import "sync"

// Collector records every message it receives. It is safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	messages []Message
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Emit records msg.
func (c *Collector) Emit(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

// Messages returns a copy of every recorded message in arrival order.
func (c *Collector) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// ForPackage returns the messages about pkg in arrival order.
func (c *Collector) ForPackage(pkg string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Message
	for _, m := range c.messages {
		if m.Package == pkg {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of recorded messages.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Multi returns a sink that forwards each message to every sink in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(msg Message) {
		for _, s := range sinks {
			s.Emit(msg)
		}
	})
}
