package llm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/s33g/azure-chat/internal/metrics"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"

	// maxLineSize caps one SSE line. Longer lines are read to the end and dropped.
	maxLineSize = 1 << 20
	readerSize  = 64 * 1024
)

type lineAction int

const (
	lineSkip lineAction = iota
	lineField
	lineDone
	lineChunk
)

// parseLine classifies one raw SSE line and returns the payload of a data line
func parseLine(line string) (string, lineAction) {
	if strings.TrimSpace(line) == "" {
		return "", lineSkip
	}

	payload, ok := strings.CutPrefix(line, dataPrefix)
	if !ok {
		// comments (": ping") and other SSE fields carry no chunk
		return "", lineField
	}
	payload = strings.TrimSpace(payload)

	switch payload {
	case "":
		return "", lineSkip
	case doneSentinel:
		return "", lineDone
	default:
		return payload, lineChunk
	}
}

// ChunkStream lazily decodes a chat completions SSE body. It is forward-only
// and not restartable. The body is released exactly once: when the stream
// ends ([DONE], end of data, cancellation or read error) or on Close,
// whichever comes first.
//
//	for stream.Next() {
//		chunk := stream.Current()
//	}
//	if err := stream.Err(); err != nil { ... }
type ChunkStream struct {
	ctx    context.Context
	body   io.ReadCloser
	reader *bufio.Reader
	logger zerolog.Logger

	current StreamingChatCompletions
	err     error
	done    bool

	closeOnce sync.Once
	closeErr  error
}

// NewChunkStream takes ownership of body
func NewChunkStream(ctx context.Context, body io.ReadCloser, logger zerolog.Logger) *ChunkStream {
	metrics.ActiveStreams.Inc()
	return &ChunkStream{
		ctx:    ctx,
		body:   body,
		reader: bufio.NewReaderSize(body, readerSize),
		logger: logger,
	}
}

// readLine returns the next line without its line ending. A line longer than
// maxLineSize is consumed to its end and reported as oversized with no content.
// A final line without a newline is still returned before io.EOF.
func (s *ChunkStream) readLine() (string, bool, error) {
	var (
		buf       []byte
		read      int
		oversized bool
	)
	for {
		frag, err := s.reader.ReadSlice('\n')
		read += len(frag)
		if read > maxLineSize {
			oversized = true
			buf = nil
		} else {
			buf = append(buf, frag...)
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && read > 0:
			return trimLineEnd(buf), oversized, nil
		case err != nil:
			return "", false, err
		}
		return trimLineEnd(buf), oversized, nil
	}
}

func trimLineEnd(b []byte) string {
	return strings.TrimRight(string(b), "\r\n")
}

// Next advances to the next chunk. Malformed chunks are logged and skipped.
func (s *ChunkStream) Next() bool {
	if s.done {
		return false
	}

	for {
		if s.ctx.Err() != nil {
			s.logger.Debug().Err(s.ctx.Err()).Msg("Stream cancelled")
			s.end()
			return false
		}

		line, oversized, err := s.readLine()
		if err != nil {
			// A read failing because the context ended is a cancellation, not an error
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.err = fmt.Errorf("failed to read stream: %w", err)
				s.logger.Error().Err(err).Msg("Stream read failed")
			}
			s.end()
			return false
		}
		if oversized {
			metrics.StreamChunksTotal.WithLabelValues("dropped").Inc()
			s.logger.Warn().
				Int("max_bytes", maxLineSize).
				Msg("Dropping oversized stream line")
			continue
		}

		payload, action := parseLine(line)
		switch action {
		case lineSkip:
			continue
		case lineField:
			s.logger.Debug().
				Str("line", truncate(line, 200)).
				Msg("Ignoring non-data stream line")
			continue
		case lineDone:
			s.logger.Debug().Msg("Stream finished")
			s.end()
			return false
		}

		chunk, err := DecodeChunk([]byte(payload))
		if err != nil {
			metrics.StreamChunksTotal.WithLabelValues("dropped").Inc()
			s.logger.Warn().
				Err(err).
				Str("data", truncate(payload, 200)).
				Msg("Dropping malformed stream chunk")
			continue
		}

		metrics.StreamChunksTotal.WithLabelValues("emitted").Inc()
		s.current = *chunk
		return true
	}
}

// Current returns the chunk decoded by the last successful Next
func (s *ChunkStream) Current() StreamingChatCompletions {
	return s.current
}

// Err returns the read error that ended the stream, if any. Cancellation and
// malformed chunks are not errors.
func (s *ChunkStream) Err() error {
	return s.err
}

// Close releases the line reader and the response body. Safe to call more than once.
func (s *ChunkStream) Close() error {
	s.closeOnce.Do(func() {
		s.done = true
		s.reader = nil
		s.closeErr = s.body.Close()
		metrics.ActiveStreams.Dec()
	})
	return s.closeErr
}

// All yields the remaining chunks and closes the stream when the loop ends,
// including on break or panic in the loop body.
func (s *ChunkStream) All() iter.Seq[StreamingChatCompletions] {
	return func(yield func(StreamingChatCompletions) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.Current()) {
				return
			}
		}
	}
}

func (s *ChunkStream) end() {
	s.done = true
	_ = s.Close()
}

// Collected is what a drained stream assembles into
type Collected struct {
	Content      string
	Model        string
	FinishReason string
}

// Collect drains the stream and concatenates the content of each chunk's
// first choice, calling onDelta with every non-empty piece. Model and
// finish reason keep the last non-empty values seen.
func Collect(stream *ChunkStream, onDelta func(string)) (Collected, error) {
	var (
		out     Collected
		content strings.Builder
	)
	for chunk := range stream.All() {
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			out.FinishReason = choice.FinishReason
		}
		delta := choice.Message.Text()
		if delta == "" {
			continue
		}
		content.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	out.Content = content.String()
	return out, stream.Err()
}

// truncate shortens s to at most maxLen bytes without splitting a rune
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
