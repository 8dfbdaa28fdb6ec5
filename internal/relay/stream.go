package relay

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"time"

	"ollama-relay/internal/metrics"
)

// readSize is the per-Read buffer for the upstream body.
const readSize = 32 << 10

// Stream is a finite, non-restartable sequence of events for one chat
// request. It is consumed scanner-style:
//
//	for st.Next() {
//		ev := st.Event()
//		...
//	}
//
// A Stream is owned by one goroutine. Close releases the upstream call and
// is safe to call more than once.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	logger *slog.Logger
	m      *metrics.Metrics

	framer  Framer
	readBuf []byte
	pending []Event
	cur     Event

	started  time.Time
	finished bool
	closed   bool
	err      error
}

func newStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, logger *slog.Logger, m *metrics.Metrics) *Stream {
	return &Stream{
		ctx:     ctx,
		cancel:  cancel,
		body:    body,
		logger:  logger,
		m:       m,
		readBuf: make([]byte, readSize),
		started: time.Now(),
	}
}

// failedStream returns a stream whose only event is an Error.
func failedStream(cause error, logger *slog.Logger, m *metrics.Metrics) *Stream {
	s := &Stream{logger: logger, m: m, started: time.Now(), err: cause}
	s.pending = []Event{{Kind: KindError, Message: MsgOpenFailed}}
	s.finish(metrics.OutcomeError)
	return s
}

// Next advances to the next event, reading from upstream as needed. It
// returns false once the stream is exhausted.
func (s *Stream) Next() bool {
	for len(s.pending) == 0 {
		if s.finished {
			return false
		}
		s.fill()
	}
	s.cur = s.pending[0]
	s.pending = s.pending[1:]
	return true
}

// Event returns the event produced by the last call to Next.
func (s *Stream) Event() Event {
	return s.cur
}

// Err returns the underlying cause of an Error event or of a cancelled
// stream. It is nil for streams that ended with Done.
func (s *Stream) Err() error {
	return s.err
}

// All returns the remaining events as an iterator. Ranging over it twice
// yields nothing the second time.
func (s *Stream) All() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for s.Next() {
			if !yield(s.Event()) {
				return
			}
		}
	}
}

// Close aborts the upstream call and releases the body.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	if !s.finished {
		s.finish(metrics.OutcomeCanceled)
	}
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}

// fill performs one upstream read and queues the resulting events.
func (s *Stream) fill() {
	n, err := s.body.Read(s.readBuf)
	if n > 0 {
		skippedBefore := s.framer.Skipped()
		for _, obj := range s.framer.Feed(s.readBuf[:n]) {
			s.pending = append(s.pending, Event{Kind: KindData, Data: obj})
			if s.m != nil {
				s.m.RelayEvents.Inc()
			}
			if completionMarked(obj) {
				// Bytes after the completion marker are ignored.
				s.pending = append(s.pending, Event{Kind: KindDone})
				s.finish(metrics.OutcomeDone)
				s.release()
				break
			}
		}
		if d := s.framer.Skipped() - skippedBefore; d > 0 {
			s.logger.Debug("dropped malformed upstream fragments", "count", d)
			if s.m != nil {
				s.m.RelaySkipped.Add(float64(d))
			}
		}
		if s.finished {
			return
		}
	}

	switch {
	case err == nil:
		return
	case errors.Is(err, io.EOF):
		if b := s.framer.Buffered(); b > 0 {
			s.logger.Debug("discarding unterminated upstream fragment", "bytes", b)
		}
		s.pending = append(s.pending, Event{Kind: KindDone})
		s.finish(metrics.OutcomeDone)
	case s.ctx.Err() != nil:
		s.err = s.ctx.Err()
		s.finish(metrics.OutcomeCanceled)
	default:
		s.err = err
		s.logger.Error("upstream stream error", "err", err)
		s.pending = append(s.pending, Event{Kind: KindError, Message: MsgStreamError})
		s.finish(metrics.OutcomeError)
	}
	s.release()
}

// release cancels the upstream call once no more bytes are wanted.
func (s *Stream) release() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Stream) finish(outcome string) {
	s.finished = true
	if s.m != nil {
		s.m.RelayStreams.WithLabelValues(outcome).Inc()
		s.m.RelayStreamTime.Observe(time.Since(s.started).Seconds())
	}
}
