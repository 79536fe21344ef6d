package shmring

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Producer owns the write side of a ring: it reserves contiguous byte
// ranges, commits a prefix of each reservation as readable, and signals
// end-of-stream at teardown. A Producer must be used from a single
// goroutine (ideally pinned to one core) at a time — the protocol is
// single-producer and has no internal synchronization of its own.
type Producer struct {
	seg  *segment
	name string

	localTail uint64 // cached last-observed consumer tail; refreshed on demand
	reserved  uint64 // size of the outstanding, uncommitted reservation (0 if none)
	closed    bool
}

// InitProducer creates a new ring named name with the given capacity (in
// bytes; must be a power of two, at least 8, and a multiple of the
// backing filesystem's page size) inside dir, a directory on a RAM-backed
// filesystem. The segment is published atomically: any consumer able to
// open name afterwards observes a fully-initialized header.
func InitProducer(name string, capacity uint64, dir string) (*Producer, error) {
	seg, err := createSegment(name, capacity, dir)
	if err != nil {
		return nil, err
	}
	return &Producer{seg: seg, name: name}, nil
}

// Push reserves n contiguous bytes for writing and returns them as a
// single slice — the double-mapped data region guarantees contiguity
// even when the reservation straddles the end of the ring. The returned
// bytes are writable in place and may contain stale, already-consumed
// data; the caller overwrites what it needs.
//
// Only one reservation may be outstanding at a time: Commit must be
// called, even with 0, before the next Push.
func (p *Producer) Push(n uint64) ([]byte, error) {
	if p.reserved != 0 {
		panic("shmring: Push called while a reservation is already outstanding")
	}

	head := atomic.LoadUint64(&p.seg.header.Head) // relaxed: we're the sole writer
	free := p.seg.capacity - (head - p.localTail)
	if n > free {
		p.localTail = atomic.LoadUint64(&p.seg.header.Tail) // acquire: refresh on apparent shortage
		free = p.seg.capacity - (head - p.localTail)
		if n > free {
			return nil, ErrFull
		}
	}

	p.reserved = n
	start := head & p.seg.mask
	return p.seg.data[start : start+n], nil
}

// Commit publishes the first n bytes (n must be <= the size last reserved
// by Push) of the outstanding reservation as readable by the consumer,
// and clears the reservation. The caller may commit fewer bytes than it
// reserved, e.g. when handing an over-sized buffer to a short read.
func (p *Producer) Commit(n uint64) {
	if p.reserved == 0 {
		panic("shmring: Commit called with no outstanding reservation")
	}
	if n > p.reserved {
		panic("shmring: Commit(n) exceeds the size of the last Push")
	}
	head := atomic.LoadUint64(&p.seg.header.Head)
	atomic.StoreUint64(&p.seg.header.Head, head+n) // release: pairs with the consumer's acquire-load of Head
	p.reserved = 0
}

// Capacity returns the ring's fixed byte capacity.
func (p *Producer) Capacity() uint64 { return p.seg.capacity }

// PageSize returns the backing filesystem's page size used for this ring.
func (p *Producer) PageSize() uint64 { return p.seg.pageSize }

// Used returns a snapshot of how many bytes the consumer has not yet read.
func (p *Producer) Used() uint64 {
	head := atomic.LoadUint64(&p.seg.header.Head)
	tail := atomic.LoadUint64(&p.seg.header.Tail)
	return head - tail
}

// Free returns a snapshot of how many bytes remain available for reservation.
func (p *Producer) Free() uint64 { return p.seg.capacity - p.Used() }

// Full reports whether the ring appeared full at the moment of the call.
func (p *Producer) Full() bool { return p.Free() == 0 }

// Empty reports whether the ring appeared empty at the moment of the call.
func (p *Producer) Empty() bool { return p.Used() == 0 }

// Stats returns a point-in-time snapshot of occupancy and EOF state.
func (p *Producer) Stats() Stats {
	head := atomic.LoadUint64(&p.seg.header.Head)
	tail := atomic.LoadUint64(&p.seg.header.Tail)
	return Stats{
		Used:     head - tail,
		Free:     p.seg.capacity - (head - tail),
		Capacity: p.seg.capacity,
		EOF:      atomic.LoadUint64(&p.seg.header.EOF) != 0,
	}
}

func (p *Producer) setEOF() {
	atomic.StoreUint64(&p.seg.header.EOF, 1) // release
}

// Deinit signals end-of-stream, unlinks the ring's name from its
// directory, and unmaps the segment. A consumer that already has the
// segment mapped continues to work until it unmaps on its own. Deinit is
// idempotent.
func (p *Producer) Deinit() error {
	if p.closed {
		return nil
	}
	p.closed = true

	p.setEOF()

	err := unix.Unlinkat(p.seg.dirFd, p.name, 0)
	if uerr := p.seg.unmap(); err == nil {
		err = uerr
	}
	if cerr := p.seg.closeDir(); err == nil {
		err = cerr
	}
	return err
}
