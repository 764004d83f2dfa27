package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rendis/actuator/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkedServer(t *testing.T, chunks []string, gap time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		for _, c := range chunks {
			w.Write([]byte(c))
			flusher.Flush()
			select {
			case <-time.After(gap):
			case <-r.Context().Done():
				return
			}
		}
	}))
}

func TestSendStreaming_MatchesBufferedBody(t *testing.T) {
	chunks := []string{"alpha-", "beta-", "gamma-", "delta"}
	srv := chunkedServer(t, chunks, 5*time.Millisecond)
	defer srv.Close()

	c := NewClient(Config{})

	buffered, err := c.Send(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)

	stream, err := c.SendStreaming(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, 200, stream.StatusCode)

	var got strings.Builder
	n := 0
	for {
		chunk, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got.Write(chunk)
		n++
	}

	assert.Equal(t, string(buffered.Body), got.String())
	assert.Equal(t, strings.Join(chunks, ""), got.String())
	assert.GreaterOrEqual(t, n, 1)

	chunkCount, bytesRead := stream.Stats()
	assert.Equal(t, n, chunkCount)
	assert.Equal(t, int64(got.Len()), bytesRead)

	// Exhausted streams stay exhausted.
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSendStreaming_FirstChunkBeforeBodyCompletes(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("first"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Write([]byte("second"))
	}))
	defer srv.Close()
	defer close(release)

	stream, err := NewClient(Config{}).SendStreaming(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", string(chunk))
}

func TestSendStreaming_TimeoutBoundsHeadersOnly(t *testing.T) {
	srv := chunkedServer(t, []string{"a", "b", "c"}, 40*time.Millisecond)
	defer srv.Close()

	// Whole body takes ~120ms; the 60ms timeout only covers header arrival.
	c := NewClient(Config{Timeout: 60 * time.Millisecond})
	stream, err := c.SendStreaming(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)

	body, err := stream.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", string(body))
}

func TestSendStreaming_HeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	_, err := NewClient(Config{Timeout: 40 * time.Millisecond}).SendStreaming(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))
}

func TestSendStreaming_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(Config{}).SendStreaming(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	var aerr *schema.ActuatorError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, 502, aerr.StatusCode())
}

func TestStream_CancelMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("head"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	stream, err := NewClient(Config{}).SendStreaming(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err = stream.Next(ctx)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))

	// Cancelled streams are closed.
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	s := NewStreamFromReader(io.NopCloser(strings.NewReader("payload")), 3)
	chunk, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pay", string(chunk))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_ReadAllFromReader(t *testing.T) {
	s := NewStreamFromReader(io.NopCloser(strings.NewReader("0123456789")), 4)
	body, err := s.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(body))

	chunks, n := s.Stats()
	assert.Equal(t, 3, chunks)
	assert.Equal(t, int64(10), n)
}

func TestStream_ReadAllLimit(t *testing.T) {
	s := NewStreamFromReader(io.NopCloser(strings.NewReader("0123456789")), 4)
	body, err := s.ReadAllLimit(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(body))

	closed := false
	s = NewStreamFromReader(io.NopCloser(strings.NewReader("0123456789")), 4)
	s.OnClose(func() { closed = true })
	body, err = s.ReadAllLimit(context.Background(), 9)
	assert.Nil(t, body)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
	assert.True(t, closed)
}

func TestStream_OnCloseRunsOnce(t *testing.T) {
	s := NewStreamFromReader(io.NopCloser(strings.NewReader("ab")), 8)
	var calls int
	s.OnClose(func() { calls++ })

	_, err := s.ReadAll(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Equal(t, 1, calls)

	// Registered after close: runs immediately.
	s.OnClose(func() { calls++ })
	assert.Equal(t, 2, calls)
}
