// Package ring implements read-side bookkeeping for a circular byte region
// filled by hardware, such as a UART receive buffer under circular DMA.
//
// The package owns no memory. A [Cursor] tracks the read index into a buffer
// of fixed capacity, and [WritePosition] converts the hardware's
// remaining-to-write counter into a write index. [Cursor.Available] never
// returns a run that crosses the physical end of the buffer, so the caller
// can hand buf[offset:offset+length] to a transport that addresses flat
// memory.
package ring

// WritePosition returns the index the hardware will write next, given the
// buffer capacity and the hardware counter of bytes remaining before the
// counter reloads.
//
// The counter counts down from capacity to 0 and reloads to capacity. A read
// taken at the reload instant may observe 0, which would place the write
// index at capacity; that is normalized to 0. Values outside [0, capacity]
// are clamped the same way so the result is always in [0, capacity).
func WritePosition(capacity, remaining int) int {
	if capacity <= 0 {
		return 0
	}
	if remaining <= 0 || remaining > capacity {
		return 0
	}
	return capacity - remaining
}

// Cursor is the read index into a circular region of fixed capacity.
// The zero value is not usable; construct with New.
type Cursor struct {
	capacity int
	read     int
}

// New returns a cursor at index 0 of a region with the given capacity.
func New(capacity int) Cursor {
	if capacity < 0 {
		capacity = 0
	}
	return Cursor{capacity: capacity}
}

// Capacity returns the size of the region.
func (c *Cursor) Capacity() int {
	return c.capacity
}

// Read returns the current read index.
func (c *Cursor) Read() int {
	return c.read
}

// Reset moves the read index back to 0.
func (c *Cursor) Reset() {
	c.read = 0
}

// Available returns the contiguous run of unread bytes given the write index.
//
//   - read == write: nothing is available.
//   - read < write: the run is [read, write).
//   - read > write: the writer has wrapped; the run is [read, capacity) and
//     [0, write) becomes available only after the read index wraps.
func (c *Cursor) Available(write int) (offset, length int) {
	switch {
	case c.read == write:
		return c.read, 0
	case c.read < write:
		return c.read, write - c.read
	default:
		return c.read, c.capacity - c.read
	}
}

// Advance consumes n bytes, wrapping the read index to 0 on reaching the end
// of the region. n must not exceed the length last returned by Available.
func (c *Cursor) Advance(n int) {
	if n <= 0 || c.capacity == 0 {
		return
	}
	c.read += n
	if c.read >= c.capacity {
		c.read -= c.capacity
	}
}
