package publish

import "sync/atomic"

// nullTransport discards every payload. Useful for load tests and as a
// placeholder while wiring a pipeline.
type nullTransport struct {
	sent atomic.Uint64
}

func (n *nullTransport) Type() string { return "null" }

func (n *nullTransport) Send(Payload) error {
	n.sent.Add(1)
	return nil
}

func (n *nullTransport) Close() error { return nil }
