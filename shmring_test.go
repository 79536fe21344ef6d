package shmring

import (
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tmpfsDir returns a fresh directory on /dev/shm for a test's ring, and
// skips the test outright if no writable tmpfs is available (e.g. a
// sandboxed CI runner without /dev/shm).
func tmpfsDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/dev/shm", "shmring-test-")
	if err != nil {
		t.Skipf("no writable tmpfs at /dev/shm: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestTrivialHandshake(t *testing.T) {
	dir := tmpfsDir(t)

	p, err := InitProducer("trivial", 4096, dir)
	require.NoError(t, err)

	c, err := InitConsumer("trivial", dir)
	require.NoError(t, err)

	b, err := p.Push(8)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(b, 0x0102030405060708)
	p.Commit(8)

	got, err := c.Pop()
	require.NoError(t, err)
	require.Len(t, got, 8)
	assert.Equal(t, uint64(0x0102030405060708), binary.LittleEndian.Uint64(got))
	c.Commit(8)

	assert.True(t, p.Empty())
	assert.True(t, c.Empty())

	require.NoError(t, p.Deinit())
	require.NoError(t, c.Deinit())
}

func TestWrapAroundContiguity(t *testing.T) {
	dir := tmpfsDir(t)

	p, err := InitProducer("wrap", 4096, dir)
	require.NoError(t, err)
	defer p.Deinit()

	c, err := InitConsumer("wrap", dir)
	require.NoError(t, err)
	defer c.Deinit()

	// Drive both indices to 4092 bytes without caring about content.
	b, err := p.Push(4092)
	require.NoError(t, err)
	require.Len(t, b, 4092)
	p.Commit(4092)

	got, err := c.Pop()
	require.NoError(t, err)
	require.Len(t, got, 4092)
	c.Commit(4092)

	// Now push/pop an 8-byte value that straddles the end of the ring
	// (physical offsets 4092..4095, then 0..3).
	b, err = p.Push(8)
	require.NoError(t, err)
	require.Len(t, b, 8)
	binary.LittleEndian.PutUint64(b, 0xDEADBEEFCAFEF00D)
	p.Commit(8)

	got, err = c.Pop()
	require.NoError(t, err)
	require.Len(t, got, 8)
	assert.Equal(t, uint64(0xDEADBEEFCAFEF00D), binary.LittleEndian.Uint64(got))
	c.Commit(8)
}

func TestFullCondition(t *testing.T) {
	dir := tmpfsDir(t)

	p, err := InitProducer("full", 4096, dir)
	require.NoError(t, err)
	defer p.Deinit()

	b, err := p.Push(4096)
	require.NoError(t, err)
	require.Len(t, b, 4096)
	p.Commit(4096)

	assert.True(t, p.Full())

	_, err = p.Push(1)
	assert.ErrorIs(t, err, ErrFull)
}

func TestEmptyThenEOF(t *testing.T) {
	dir := tmpfsDir(t)

	p, err := InitProducer("emptyeof", 4096, dir)
	require.NoError(t, err)

	c, err := InitConsumer("emptyeof", dir)
	require.NoError(t, err)

	_, err = c.Pop()
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, p.Deinit())

	_, err = c.Pop()
	assert.ErrorIs(t, err, ErrEOF)

	require.NoError(t, c.Deinit())
}

func TestDrainBeforeEOF(t *testing.T) {
	dir := tmpfsDir(t)

	p, err := InitProducer("drain", 4096, dir)
	require.NoError(t, err)

	c, err := InitConsumer("drain", dir)
	require.NoError(t, err)

	b, err := p.Push(100)
	require.NoError(t, err)
	for i := range b {
		b[i] = byte(i)
	}
	p.Commit(100)
	require.NoError(t, p.Deinit())

	got, err := c.Pop()
	require.NoError(t, err)
	require.Len(t, got, 100)
	for i := range got {
		assert.Equal(t, byte(i), got[i])
	}
	c.Commit(100)

	_, err = c.Pop()
	assert.ErrorIs(t, err, ErrEOF)

	require.NoError(t, c.Deinit())
}

func TestCapacityValidation(t *testing.T) {
	dir := tmpfsDir(t)

	for _, capacity := range []uint64{0, 3, 1023, 1025} {
		_, err := InitProducer("capbad", capacity, dir)
		assert.ErrorIsf(t, err, ErrInvalidCapacity, "capacity %d should be rejected", capacity)
	}

	for _, capacity := range []uint64{4096, 8192, 1 << 20} {
		p, err := InitProducer("capgood", capacity, dir)
		require.NoErrorf(t, err, "capacity %d should be accepted", capacity)
		assert.Equal(t, capacity, p.Capacity())
		require.NoError(t, p.Deinit())
	}
}

func TestNameValidation(t *testing.T) {
	dir := tmpfsDir(t)

	long := make([]byte, 128)
	for i := range long {
		long[i] = 'a'
	}
	_, err := InitProducer(string(long), 4096, dir)
	assert.ErrorIs(t, err, ErrNameTooLong)

	ok := make([]byte, 127)
	for i := range ok {
		ok[i] = 'a'
	}
	p, err := InitProducer(string(ok), 4096, dir)
	require.NoError(t, err)
	require.NoError(t, p.Deinit())
}

func TestDeinitRemovesFile(t *testing.T) {
	dir := tmpfsDir(t)

	p, err := InitProducer("unlinked", 4096, dir)
	require.NoError(t, err)
	require.NoError(t, p.Deinit())

	_, err = os.Stat(filepath.Join(dir, "unlinked"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeinitIsIdempotent(t *testing.T) {
	dir := tmpfsDir(t)

	p, err := InitProducer("idempotent", 4096, dir)
	require.NoError(t, err)
	require.NoError(t, p.Deinit())
	require.NoError(t, p.Deinit())

	c, err := InitProducer("idempotent2", 4096, dir)
	require.NoError(t, err)
	cc, err := InitConsumer("idempotent2", dir)
	require.NoError(t, err)
	require.NoError(t, cc.Deinit())
	require.NoError(t, cc.Deinit())
	require.NoError(t, c.Deinit())
}

func TestInitConsumerBlockingTimesOutWithoutProducer(t *testing.T) {
	dir := tmpfsDir(t)
	_, err := InitConsumerBlocking("neverpublished", dir, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestInitConsumerBlockingWaitsForProducer(t *testing.T) {
	dir := tmpfsDir(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(30 * time.Millisecond)
		p, err := InitProducer("latepublish", 4096, dir)
		if err != nil {
			panic(err)
		}
		defer p.Deinit()
		time.Sleep(50 * time.Millisecond)
	}()

	c, err := InitConsumerBlocking("latepublish", dir, time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Deinit())
	wg.Wait()
}

// TestInterleavedInvariants drives a single producer/consumer pair
// through a deterministic, randomized interleaving of push/commit and
// pop/commit and checks, after every operation, that 0 <= used <=
// capacity, and that every byte the consumer observes matches what the
// producer wrote at that position (FIFO, no loss, no duplication).
func TestInterleavedInvariants(t *testing.T) {
	dir := tmpfsDir(t)
	const capacity = 4096

	p, err := InitProducer("interleave", capacity, dir)
	require.NoError(t, err)
	defer p.Deinit()

	c, err := InitConsumer("interleave", dir)
	require.NoError(t, err)
	defer c.Deinit()

	rng := rand.New(rand.NewSource(1))
	var written, read uint64

	for i := 0; i < 20000; i++ {
		if rng.Intn(2) == 0 {
			n := uint64(rng.Intn(64) + 1)
			b, err := p.Push(n)
			if err == ErrFull {
				continue
			}
			require.NoError(t, err)
			require.Len(t, b, int(n))
			for j := range b {
				b[j] = byte(written + uint64(j))
			}
			p.Commit(n)
			written += n
		} else {
			b, err := c.Pop()
			if err == ErrEmpty {
				continue
			}
			require.NoError(t, err)
			for j, got := range b {
				assert.Equal(t, byte(read+uint64(j)), got)
			}
			c.Commit(uint64(len(b)))
			read += uint64(len(b))
		}

		used := p.Used()
		assert.LessOrEqual(t, used, uint64(capacity))
		assert.Equal(t, written-read, used)
	}
}

func TestHeaderHotFieldsOnSeparateCacheLines(t *testing.T) {
	var h Header
	headOff := unsafe.Offsetof(h.Head)
	eofOff := unsafe.Offsetof(h.EOF)
	tailOff := unsafe.Offsetof(h.Tail)

	assert.Zero(t, headOff%cacheLineSize)
	assert.Zero(t, eofOff%cacheLineSize)
	assert.Zero(t, tailOff%cacheLineSize)
	assert.NotEqual(t, headOff/cacheLineSize, eofOff/cacheLineSize)
	assert.NotEqual(t, eofOff/cacheLineSize, tailOff/cacheLineSize)
	assert.LessOrEqual(t, headerSize, uintptr(4096))
}
