package shmring

import (
	"sync/atomic"
	"time"
)

// Consumer owns the read side of a ring: it observes newly committed
// bytes as a single contiguous slice and commits (advances) the read
// pointer once done with them. A Consumer must be used from a single
// goroutine (ideally pinned to one core) at a time.
type Consumer struct {
	seg *segment

	localHead uint64 // cached last-observed producer head; refreshed on demand
	closed    bool
}

// InitConsumer opens an existing ring named name inside dir. It fails
// immediately if name does not yet exist; use InitConsumerBlocking to
// wait for a producer to publish it.
func InitConsumer(name, dir string) (*Consumer, error) {
	seg, err := openSegment(name, dir)
	if err != nil {
		return nil, err
	}
	return &Consumer{seg: seg, localHead: atomic.LoadUint64(&seg.header.Head)}, nil
}

// InitConsumerBlocking retries InitConsumer once a millisecond until the
// ring is published or timeout elapses, whichever comes first. This is
// the only sanctioned blocking operation in the package.
func InitConsumerBlocking(name, dir string, timeout time.Duration) (*Consumer, error) {
	seg, err := openSegmentBlocking(name, dir, timeout)
	if err != nil {
		return nil, err
	}
	return &Consumer{seg: seg, localHead: atomic.LoadUint64(&seg.header.Head)}, nil
}

// Pop returns all currently readable bytes as one contiguous slice. It
// returns ErrEmpty if nothing is available yet, or ErrEOF once the
// producer has signalled end-of-stream and the ring has been drained.
func (c *Consumer) Pop() ([]byte, error) {
	tail := atomic.LoadUint64(&c.seg.header.Tail) // relaxed: we're the sole writer
	size := c.localHead - tail
	if size == 0 {
		c.localHead = atomic.LoadUint64(&c.seg.header.Head) // acquire: refresh on apparent emptiness
		size = c.localHead - tail
	}
	if size == 0 {
		if atomic.LoadUint64(&c.seg.header.EOF) != 0 { // acquire
			return nil, ErrEOF
		}
		return nil, ErrEmpty
	}
	start := tail & c.seg.mask
	return c.seg.data[start : start+size], nil
}

// Commit marks n bytes (n must be <= the length of the slice last
// returned by Pop) as read, advancing the read pointer.
func (c *Consumer) Commit(n uint64) {
	tail := atomic.LoadUint64(&c.seg.header.Tail)
	atomic.StoreUint64(&c.seg.header.Tail, tail+n) // release: pairs with the producer's acquire-load of Tail
}

// Capacity returns the ring's fixed byte capacity.
func (c *Consumer) Capacity() uint64 { return c.seg.capacity }

// PageSize returns the backing filesystem's page size used for this ring.
func (c *Consumer) PageSize() uint64 { return c.seg.pageSize }

// Used returns a snapshot of how many bytes are available to read.
func (c *Consumer) Used() uint64 {
	head := atomic.LoadUint64(&c.seg.header.Head)
	tail := atomic.LoadUint64(&c.seg.header.Tail)
	return head - tail
}

// Free returns a snapshot of how many bytes remain available for the producer.
func (c *Consumer) Free() uint64 { return c.seg.capacity - c.Used() }

// Full reports whether the ring appeared full at the moment of the call.
func (c *Consumer) Full() bool { return c.Free() == 0 }

// Empty reports whether the ring appeared empty at the moment of the call.
func (c *Consumer) Empty() bool { return c.Used() == 0 }

// Stats returns a point-in-time snapshot of occupancy and EOF state.
func (c *Consumer) Stats() Stats {
	head := atomic.LoadUint64(&c.seg.header.Head)
	tail := atomic.LoadUint64(&c.seg.header.Tail)
	return Stats{
		Used:     head - tail,
		Free:     c.seg.capacity - (head - tail),
		Capacity: c.seg.capacity,
		EOF:      atomic.LoadUint64(&c.seg.header.EOF) != 0,
	}
}

// Deinit unmaps the segment. It never touches the directory entry — only
// the producer's Deinit unlinks the name. Deinit is idempotent.
func (c *Consumer) Deinit() error {
	if c.closed {
		return nil
	}
	c.closed = true

	err := c.seg.unmap()
	if cerr := c.seg.closeDir(); err == nil {
		err = cerr
	}
	return err
}
