// Command filepipe streams a file through a shmring between two
// processes at near-SSD bandwidth. Run one instance with "feed" to push a
// source file into the ring, and another with "drain" to pull it back out
// into a destination file. This is the file-to-queue pipeline benchmark
// named in the package's design notes, not part of the core itself.
package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ringmem/shmring"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var (
		name     string
		dir      string
		capacity uint64
		chunk    uint64
		timeout  time.Duration
	)

	root := &cobra.Command{
		Use:   "filepipe",
		Short: "Pipe a file through a shmring ring to measure near-memory-bandwidth transfer.",
	}

	feed := &cobra.Command{
		Use:   "feed <source-file>",
		Short: "Create the ring, stream source-file into it, and signal EOF.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			p, err := shmring.InitProducer(name, capacity, dir)
			if err != nil {
				return err
			}
			defer p.Deinit()

			log.Info().Str("name", name).Uint64("capacity", capacity).Msg("ring published")

			start := time.Now()
			var total uint64
			for {
				b, err := p.Push(chunk)
				if err == shmring.ErrFull {
					continue
				}
				if err != nil {
					return err
				}

				n, rerr := src.Read(b)
				p.Commit(uint64(n))
				total += uint64(n)

				if rerr == io.EOF {
					break
				}
				if rerr != nil {
					return rerr
				}
			}
			elapsed := time.Since(start)

			log.Info().
				Uint64("bytes", total).
				Dur("elapsed", elapsed).
				Float64("mb_per_sec", float64(total)/elapsed.Seconds()/1e6).
				Msg("feed complete")
			return nil
		},
	}

	drain := &cobra.Command{
		Use:   "drain <dest-file>",
		Short: "Open the ring and drain it into dest-file until the producer signals EOF.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer dst.Close()

			c, err := shmring.InitConsumerBlocking(name, dir, timeout)
			if err != nil {
				return err
			}
			defer c.Deinit()

			start := time.Now()
			var total uint64
			for {
				b, err := c.Pop()
				if err == shmring.ErrEmpty {
					continue
				}
				if err == shmring.ErrEOF {
					break
				}
				if err != nil {
					return err
				}

				n, werr := dst.Write(b)
				if werr != nil {
					return werr
				}
				c.Commit(uint64(n))
				total += uint64(n)
			}
			elapsed := time.Since(start)

			log.Info().
				Uint64("bytes", total).
				Dur("elapsed", elapsed).
				Float64("mb_per_sec", float64(total)/elapsed.Seconds()/1e6).
				Msg("drain complete")
			return nil
		},
	}

	for _, c := range []*cobra.Command{feed, drain} {
		c.Flags().StringVar(&name, "name", "filepipe", "ring name")
		c.Flags().StringVar(&dir, "dir", "/dev/shm", "RAM-backed directory holding the ring")
		c.Flags().Uint64Var(&capacity, "capacity", 4<<20, "ring capacity in bytes (power of two)")
	}
	feed.Flags().Uint64Var(&chunk, "chunk", 64<<10, "read chunk size per reservation")
	drain.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the producer to publish the ring")

	root.AddCommand(feed, drain)
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("filepipe failed")
	}
}
