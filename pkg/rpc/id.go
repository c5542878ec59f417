package rpc

import "sync/atomic"

// IDGenerator hands out request ids. Ids must be unique among pending
// requests; the default Counter never repeats within a process.
type IDGenerator interface {
	Next() uint64
}

// Counter is a monotonic IDGenerator. It is not reset on reconnect.
type Counter struct {
	n atomic.Uint64
}

// NewCounter returns a Counter whose first id is start+1.
func NewCounter(start uint64) *Counter {
	c := &Counter{}
	c.n.Store(start)
	return c
}

// Next returns the next id.
func (c *Counter) Next() uint64 {
	return c.n.Add(1)
}

// Last returns the most recently issued id.
func (c *Counter) Last() uint64 {
	return c.n.Load()
}
