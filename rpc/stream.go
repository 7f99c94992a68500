package rpc

import (
	"context"
	"fmt"
	"iter"
	"time"
)

// Chunk is one element of a streamed result. Steps count from 1 and total is
// constant across a stream.
type Chunk[P any] struct {
	Step    int `json:"step"`
	Total   int `json:"total"`
	Payload P   `json:"payload"`
}

// Sleep pauses a producer for d, returning early with the context's error
// when the call is abandoned.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ordered erases the payload type of seq and enforces the chunk contract:
// chunk n has Step n, Total never changes and is at least Step, and the
// stream does not end before Step reaches Total. A violation, a yielded error
// or a panic in the producer ends the stream with a single error.
func ordered[P any](ctx context.Context, seq iter.Seq2[Chunk[P], error]) iter.Seq2[Chunk[any], error] {
	return func(yield func(Chunk[any], error) bool) {
		var (
			next     = 1
			total    int
			stopped  bool
			consumer bool
		)
		fail := func(err error) {
			if !stopped {
				stopped = true
				yield(Chunk[any]{}, err)
			}
		}
		defer func() {
			if r := recover(); r != nil {
				// A panic raised by the consumer's loop body belongs to the
				// consumer; iteration must not resume.
				if consumer {
					panic(r)
				}
				fail(Internal(fmt.Errorf("stream handler panic: %v", r)))
			}
		}()

		for ch, err := range seq {
			if err != nil {
				fail(err)
				return
			}
			switch {
			case ch.Step != next:
				fail(Internal(fmt.Errorf("stream chunk out of order: got step %d, want %d", ch.Step, next)))
				return
			case ch.Total < ch.Step:
				fail(Internal(fmt.Errorf("stream chunk step %d exceeds total %d", ch.Step, ch.Total)))
				return
			case next > 1 && ch.Total != total:
				fail(Internal(fmt.Errorf("stream total changed from %d to %d", total, ch.Total)))
				return
			}
			total = ch.Total
			next++
			consumer = true
			more := yield(Chunk[any]{Step: ch.Step, Total: ch.Total, Payload: ch.Payload}, nil)
			consumer = false
			if !more {
				stopped = true
				return
			}
		}

		if next-1 < total {
			if err := ctx.Err(); err != nil {
				fail(err)
				return
			}
			fail(Internal(fmt.Errorf("stream ended at step %d of %d", next-1, total)))
		}
	}
}
