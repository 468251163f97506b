package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ensemble/internal/accounting"
	"ensemble/internal/apperr"
	llmclient "ensemble/internal/llmClient"
)

// Stream is a metered provider stream. The reservation admitted for the
// call is settled exactly once: when the provider signals the end, when
// the stream fails, or when the consumer closes it early. Recv is not
// safe for concurrent use.
type Stream struct {
	ctx   context.Context
	inner llmclient.ChunkStream
	res   *accounting.Reservation
	input int
	log   *logrus.Entry

	text   strings.Builder
	chunks int
	err    error
	done   bool

	once      sync.Once
	settleErr error
}

func newStream(ctx context.Context, inner llmclient.ChunkStream, res *accounting.Reservation, input int, log *logrus.Entry) *Stream {
	return &Stream{ctx: ctx, inner: inner, res: res, input: input, log: log}
}

// Recv returns the next non-empty chunk, or io.EOF after the last one.
func (s *Stream) Recv() (string, error) {
	if s.done {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	for {
		chunk, err := s.inner.Recv()
		if err == nil {
			if chunk == "" {
				continue
			}
			s.chunks++
			s.text.WriteString(chunk)
			return chunk, nil
		}
		s.done = true
		if llmclient.IsEOF(err) {
			s.finish()
			return "", io.EOF
		}
		if s.ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.err = apperr.Cancelled("stream", err)
		} else {
			s.err = apperr.StreamInterrupted("stream", err)
		}
		s.finish()
		return "", s.err
	}
}

// Text is the content received so far.
func (s *Stream) Text() string { return s.text.String() }

// Chunks counts the non-empty chunks delivered.
func (s *Stream) Chunks() int { return s.chunks }

// Cost is the settled cost of the call; zero until the stream has finished.
func (s *Stream) Cost() decimal.Decimal {
	if s.res == nil {
		return decimal.Zero
	}
	return s.res.Actual()
}

// Close abandons the stream, settling what was used so far. It is safe to
// call more than once and after Recv returned io.EOF.
func (s *Stream) Close() error {
	s.done = true
	s.finish()
	return s.settleErr
}

func (s *Stream) finish() {
	s.once.Do(func() {
		usage, ok := s.inner.Usage()
		if !ok {
			usage = llmclient.Usage{InputTokens: s.input, OutputTokens: llmclient.CountTokens(s.text.String())}
		}
		if err := s.inner.Close(); err != nil {
			s.log.WithError(err).Debug("close provider stream")
		}
		s.settleErr = s.res.Settle(s.ctx, usage)
	})
}
