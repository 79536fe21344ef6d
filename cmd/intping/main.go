// Command intping bounces sequential uint64 values through a shmring
// between two pinned processes and reports throughput. Run one instance
// with "produce" and another with "consume", pinned to distinct cores via
// --cpu; this is the integer-ping benchmark named in the package's
// design notes, not part of the core itself.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ringmem/shmring"
	"github.com/ringmem/shmring/internal/sysx"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var (
		name     string
		dir      string
		capacity uint64
		cpu      int
		count    uint64
		timeout  time.Duration
	)

	root := &cobra.Command{
		Use:   "intping",
		Short: "Bounce sequential uint64 values through a shmring and measure throughput.",
	}

	produce := &cobra.Command{
		Use:   "produce",
		Short: "Create the ring and push count sequential uint64 values into it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sysx.PinCurrentThread(cpu); err != nil {
				log.Warn().Err(err).Msg("continuing without CPU pinning")
			}

			p, err := shmring.InitProducer(name, capacity, dir)
			if err != nil {
				return err
			}
			defer p.Deinit()

			log.Info().Str("name", name).Uint64("capacity", capacity).Msg("ring published")

			start := time.Now()
			var buf [8]byte
			for i := uint64(0); i < count; i++ {
				for {
					b, err := p.Push(8)
					if err == shmring.ErrFull {
						continue
					}
					if err != nil {
						return err
					}
					binary.LittleEndian.PutUint64(buf[:], i)
					copy(b, buf[:])
					p.Commit(8)
					break
				}
			}
			elapsed := time.Since(start)

			log.Info().
				Uint64("count", count).
				Dur("elapsed", elapsed).
				Float64("ops_per_sec", float64(count)/elapsed.Seconds()).
				Object("stats", p.Stats()).
				Msg("produce complete")
			return nil
		},
	}

	consume := &cobra.Command{
		Use:   "consume",
		Short: "Open the ring and verify count sequential uint64 values arrive in order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sysx.PinCurrentThread(cpu); err != nil {
				log.Warn().Err(err).Msg("continuing without CPU pinning")
			}

			c, err := shmring.InitConsumerBlocking(name, dir, timeout)
			if err != nil {
				return err
			}
			defer c.Deinit()

			start := time.Now()
			var want, received uint64
			for received < count {
				b, err := c.Pop()
				if err == shmring.ErrEmpty {
					continue
				}
				if err == shmring.ErrEOF {
					return fmt.Errorf("intping: unexpected EOF after %d/%d values", received, count)
				}
				if err != nil {
					return err
				}

				n := uint64(len(b)) / 8 * 8
				for off := uint64(0); off < n; off += 8 {
					got := binary.LittleEndian.Uint64(b[off : off+8])
					if got != want {
						return fmt.Errorf("intping: expected %d, got %d at position %d", want, got, received)
					}
					want++
					received++
				}
				c.Commit(n)
			}
			elapsed := time.Since(start)

			log.Info().
				Uint64("count", count).
				Dur("elapsed", elapsed).
				Float64("ops_per_sec", float64(count)/elapsed.Seconds()).
				Msg("consume complete")
			return nil
		},
	}

	for _, c := range []*cobra.Command{produce, consume} {
		c.Flags().StringVar(&name, "name", "intping", "ring name")
		c.Flags().StringVar(&dir, "dir", "/dev/shm", "RAM-backed directory holding the ring")
		c.Flags().Uint64Var(&capacity, "capacity", 1<<20, "ring capacity in bytes (power of two)")
		c.Flags().IntVar(&cpu, "cpu", 0, "CPU core to pin this process to")
		c.Flags().Uint64Var(&count, "count", 10_000_000, "number of uint64 values to exchange")
	}
	consume.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the producer to publish the ring")

	root.AddCommand(produce, consume)
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("intping failed")
	}
}
