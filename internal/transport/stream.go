package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/rendis/actuator/pkg/schema"
)

// Stream is a lazily consumed response body tied to one in-flight request.
// It is finite and cannot be restarted; a new SendStreaming call is needed to
// read the resource again. Next is not safe for concurrent use.
type Stream struct {
	StatusCode int
	Status     string
	Header     http.Header

	body      io.ReadCloser
	cancel    context.CancelFunc
	chunkSize int

	mu      sync.Mutex
	done    bool
	read    int64
	chunks  int
	onClose []func()
}

func newStream(resp *http.Response, cancel context.CancelFunc, chunkSize int) *Stream {
	return &Stream{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		body:       resp.Body,
		cancel:     cancel,
		chunkSize:  chunkSize,
	}
}

// NewStreamFromReader wraps an arbitrary reader as a Stream. Used by fakes and
// by callers that already hold a body.
func NewStreamFromReader(r io.ReadCloser, chunkSize int) *Stream {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Stream{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     http.Header{},
		body:       r,
		cancel:     func() {},
		chunkSize:  chunkSize,
	}
}

// Next returns the next chunk as it arrives over the wire. It returns io.EOF
// once the server has closed the body. Cancelling ctx aborts the underlying
// request and closes the stream.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		s.closeLocked()
		return nil, schema.NewError(schema.ErrCodeCancelled, "stream read cancelled").WithCause(err)
	}

	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	buf := make([]byte, s.chunkSize)
	for {
		n, err := s.body.Read(buf)
		if n > 0 {
			s.read += int64(n)
			s.chunks++
			if errors.Is(err, io.EOF) {
				s.closeLocked()
			}
			return buf[:n], nil
		}
		if errors.Is(err, io.EOF) {
			s.closeLocked()
			return nil, io.EOF
		}
		if err != nil {
			s.closeLocked()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "stream read cancelled").WithCause(ctxErr)
			}
			return nil, schema.NewErrorf(schema.ErrCodeConnection, "stream read: %v", err).WithCause(err)
		}
	}
}

// ReadAll drains the remaining chunks and returns them concatenated.
func (s *Stream) ReadAll(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
		buf.Write(chunk)
	}
}

// ReadAllLimit drains the stream like ReadAll but fails once more than limit
// bytes arrive. The stream is closed on failure. A limit <= 0 means no cap.
func (s *Stream) ReadAllLimit(ctx context.Context, limit int64) ([]byte, error) {
	if limit <= 0 {
		return s.ReadAll(ctx)
	}
	var buf bytes.Buffer
	for {
		chunk, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
		if int64(buf.Len()+len(chunk)) > limit {
			s.Close()
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "stream exceeds %d bytes", limit).
				WithDetails(map[string]any{"limit": limit})
		}
		buf.Write(chunk)
	}
}

// Close abandons the stream and releases the connection. Safe to call more than once.
func (s *Stream) Close() error {
	// Unblocks a Read in progress on another goroutine.
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

// OnClose registers fn to run once the stream is closed or exhausted. If the
// stream is already closed, fn runs immediately.
func (s *Stream) OnClose(fn func()) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Stats reports the chunks and bytes consumed so far.
func (s *Stream) Stats() (chunks int, bytesRead int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks, s.read
}

func (s *Stream) closeLocked() {
	if s.done {
		return
	}
	s.done = true
	_ = s.body.Close()
	s.cancel()
	for _, fn := range s.onClose {
		fn()
	}
	s.onClose = nil
}
