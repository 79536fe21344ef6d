package shmring

// Stats is a point-in-time snapshot of a ring's occupancy and EOF state.
// It is advisory, not synchronizing: useful for metrics and for callers
// deciding whether to spin, but it never participates in the
// producer/consumer handoff protocol itself.
type Stats struct {
	Used     uint64
	Free     uint64
	Capacity uint64
	EOF      bool
}
