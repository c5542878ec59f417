package transport

// Handler receives session events.
//
// OnFrame for a generation is only called from that generation's read
// loop, in arrival order. OnConnected and OnDisconnected are serialized,
// and OnDisconnected for a generation is called after its last OnFrame.
type Handler interface {
	OnConnected(gen uint64)
	OnFrame(gen uint64, data []byte)
	OnDisconnected(gen uint64, err error)
}

// Sender writes frames on a specific connection generation.
type Sender interface {
	// Send fails with ErrStaleGeneration if gen is no longer current.
	Send(gen uint64, data []byte) error

	// Generation returns the current generation and whether it is usable.
	Generation() (uint64, bool)
}

var (
	_ Sender = (*Session)(nil)
)
