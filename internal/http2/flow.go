package http2

// flow is the flow control window's size.
type flow struct {
	// n is the number of DATA bytes we're allowed to send.
	// A flow is kept both on a conn and a per-stream.
	n int32

	// conn points to the shared connection-level flow that is
	// shared by all streams on that conn. It is nil for the flow
	// that's on the conn directly.
	conn *flow
}

func (f *flow) setConnFlow(cf *flow) { f.conn = cf }

func (f *flow) available() int32 {
	n := f.n
	if f.conn != nil && f.conn.n < n {
		n = f.conn.n
	}
	return n
}

func (f *flow) take(n int32) {
	if n > f.available() {
		panic("internal error: took too much")
	}
	f.n -= n
	if f.conn != nil {
		f.conn.n -= n
	}
}

// add adds n bytes (positive or negative) to the flow control window.
// It returns false if the sum would exceed 2^31-1.
func (f *flow) add(n int32) bool {
	sum := f.n + n
	if (sum > n) == (f.n > 0) {
		f.n = sum
		return true
	}
	return false
}

// inflow accounts for received DATA bytes and decides when a
// WINDOW_UPDATE should be sent back to the peer.
type inflow struct {
	avail  int32 // bytes the peer may still send
	unsent int32 // bytes consumed but not yet returned
	size   int32 // window size we refill to
}

func (f *inflow) init(n int32) {
	f.avail = n
	f.size = n
	f.unsent = 0
}

// take reports whether n bytes fit in the window, and consumes them.
func (f *inflow) take(n int32) bool {
	if n > f.avail {
		return false
	}
	f.avail -= n
	return true
}

// consume records n bytes as processed and returns the increment to
// announce, if any. Small updates are batched until at least 4KiB or
// half of the window is owed to the peer.
func (f *inflow) consume(n int32) int32 {
	f.unsent += n
	if f.unsent < 4<<10 && f.unsent < f.avail {
		return 0
	}
	incr := f.unsent
	f.unsent = 0
	f.avail += incr
	return incr
}
