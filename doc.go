// Package shmring is a bounded, lock-free, single-producer/single-consumer
// byte queue for inter-process communication on Linux/x86_64.
//
// The queue lives in a file-backed shared-memory segment on a RAM-backed
// filesystem (tmpfs, or hugetlbfs at 2 MiB/1 GiB page sizes). The data
// region is mapped twice into adjacent virtual addresses so that any
// in-ring byte range, including one that wraps past the end of the ring,
// is visible to the caller as a single contiguous slice.
//
// A Producer and a Consumer coordinate over two free-rolling 64-bit
// indices (head and tail) using only release/acquire-ordered atomic
// loads and stores — there is no locking of any kind. Exactly one
// Producer and one Consumer may use a given ring; this package does not
// support multiple producers or multiple consumers.
package shmring
