package usecase

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"sales-agent/internal/stream"
)

// Stream is one streamed conversation turn. It is single use: read Chunks
// until the channel is closed (or call Detach), then call Wait for the
// outcome.
type Stream struct {
	sessionID string

	chunks   chan string
	detach   chan struct{}
	detachMu sync.Once
	done     chan struct{}

	out GenerateOutput
	err error
}

// SessionID is the session the turn runs in, generated when the input had
// none.
func (st *Stream) SessionID() string { return st.sessionID }

// Chunks yields human-facing text in generation order. The analysis block is
// never sent on it.
func (st *Stream) Chunks() <-chan string { return st.chunks }

// Detach tells the stream the consumer has gone away. Generation still runs
// to completion so the turn can be applied, but no more chunks are delivered
// and Chunks is closed promptly.
func (st *Stream) Detach() {
	st.detachMu.Do(func() { close(st.detach) })
}

// Wait blocks until the turn has been applied and persisted. The caller must
// drain Chunks or call Detach first, otherwise Wait never returns.
func (st *Stream) Wait() (GenerateOutput, error) {
	<-st.done
	return st.out, st.err
}

func (st *Stream) detached() bool {
	select {
	case <-st.detach:
		return true
	default:
		return false
	}
}

func newStream(sessionID string) *Stream {
	return &Stream{
		sessionID: sessionID,
		chunks:    make(chan string),
		detach:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// GenerateStream runs one turn against the streaming generator. Validation,
// lock and configuration failures are returned directly; a generator that
// fails before producing anything yields a stream carrying only the fallback
// text, with the failure reported by Wait.
func (s *SalesService) GenerateStream(ctx context.Context, in GenerateInput) (*Stream, error) {
	t, err := s.beginTurn(ctx, in)
	if err != nil {
		return nil, err
	}

	tokens, err := s.llm.ChatStream(ctx, t.model, t.messages)
	if err != nil {
		st := newStream(t.id)
		st.out, st.err = s.failTurn(ctx, t, err)
		t.release()
		go func() {
			defer close(st.done)
			defer close(st.chunks)
			select {
			case st.chunks <- FallbackText:
			case <-st.detach:
			case <-ctx.Done():
			}
		}()
		return st, nil
	}

	st := newStream(t.id)
	relay := make(chan string)
	var res stream.Result
	var g errgroup.Group

	// The producer reports a stream that ended without a usable analysis
	// because ctx went away; a generator may simply close its channel then.
	g.Go(func() error {
		defer close(relay)
		res = stream.Run(tokens, func(chunk string) bool {
			if st.detached() {
				return false
			}
			relay <- chunk
			return true
		}, stream.WithLogger(t.logger))
		if res.Truncated {
			return res.Err
		}
		if !res.Parsed && ctx.Err() != nil {
			return fmt.Errorf("usecase: stream cancelled before analysis: %w", ctx.Err())
		}
		return nil
	})
	g.Go(func() error {
		forward(ctx, relay, st.chunks, st.detach)
		return nil
	})

	go func() {
		defer close(st.done)
		defer t.release()
		if err := g.Wait(); err != nil && !res.Truncated {
			res = stream.Result{Text: res.Text, Analysis: res.Analysis, Truncated: true, Err: err}
		}
		if st.detached() {
			t.logger.Info("usecase: consumer detached, turn applied from drained stream")
		}
		st.out, st.err = s.finishTurn(ctx, t, res)
	}()
	return st, nil
}

// forward moves chunks from in to out through an unbounded queue so the
// producer never waits on a slow consumer. out is closed once everything has
// been delivered, or immediately on detach or cancellation, after which in is
// drained and discarded.
func forward(ctx context.Context, in <-chan string, out chan<- string, detach <-chan struct{}) {
	var queue []string
	for in != nil || len(queue) > 0 {
		var send chan<- string
		var head string
		if len(queue) > 0 {
			send, head = out, queue[0]
		}
		select {
		case chunk, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, chunk)
		case send <- head:
			queue = queue[1:]
		case <-detach:
			close(out)
			drain(in)
			return
		case <-ctx.Done():
			close(out)
			drain(in)
			return
		}
	}
	close(out)
}

func drain(in <-chan string) {
	if in == nil {
		return
	}
	for range in {
	}
}
