package shmring

import "github.com/rs/zerolog"

// MarshalZerologObject implements zerolog.LogObjectMarshaler, so a Stats
// value can be embedded directly in a structured log event, e.g.
// log.Info().Object("ring", stats).Msg("throughput tick").
func (s Stats) MarshalZerologObject(e *zerolog.Event) {
	e.Uint64("used", s.Used).
		Uint64("free", s.Free).
		Uint64("capacity", s.Capacity).
		Bool("eof", s.EOF)
}
