// Package streaming implements recovery for long-lived streams: open
// attempts go through the retry executor, but once a stream has yielded
// its first chunk a failure mid-stream is terminal and surfaces as a
// synthetic final chunk rather than a retry.
package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/workflowcore/internal/resilience/retry"
)

// Chunk is one unit of a recovered stream. Interrupted is true only for
// the synthetic final chunk emitted when the stream reports an error
// (before or after its first chunk) or when ctx ends after data has
// flowed.
type Chunk struct {
	Data        []byte
	Interrupted bool
	Reason      string
}

// Opener opens a stream and returns a receive channel of raw chunks and
// an error channel signalling a read failure. Concrete transports (HTTP
// chunked response, gRPC stream, websocket) implement this; the shape is
// intentionally transport-agnostic.
type Opener func(ctx context.Context) (<-chan []byte, <-chan error, error)

// Recover drives one Opener under the retry executor for the initial
// open, then degrades gracefully once data has started flowing.
func Recover(ctx context.Context, operationTimeout time.Duration, executor *retry.Executor, open Opener) (<-chan Chunk, error) {
	// The timeout context bounds only the open attempts; the opened stream
	// itself lives on the caller's ctx, which must stay valid after Recover
	// returns.
	openCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var data <-chan []byte
	var errs <-chan error

	err := executor.Do(openCtx, func(context.Context) error {
		d, e, openErr := open(ctx)
		if openErr != nil {
			return openErr
		}
		data, errs = d, e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		yielded := false
		for {
			select {
			case <-ctx.Done():
				if yielded {
					out <- Chunk{Interrupted: true, Reason: ctx.Err().Error()}
				}
				return
			case chunk, ok := <-data:
				if !ok {
					return
				}
				yielded = true
				out <- Chunk{Data: chunk}
			case streamErr, ok := <-errs:
				if !ok {
					continue
				}
				if !yielded {
					// Failure before the first chunk: it is not retried
					// (only errors returned by the Opener itself go through
					// the retry executor); Recover reports it once and
					// returns, leaving re-invocation to the caller.
					out <- Chunk{Interrupted: true, Reason: streamErr.Error()}
					return
				}
				out <- Chunk{Interrupted: true, Reason: streamErr.Error()}
				return
			}
		}
	}()

	return out, nil
}
