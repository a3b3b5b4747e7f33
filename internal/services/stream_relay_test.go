package services

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vision-api/internal/pkg/errors"
)

const completeStream = "data: {\"choices\":[{\"delta\":{\"content\":\"A\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"B\"}}]}\n\n" +
	"data: [DONE]\n\n"

// deltaText rebuilds the assistant text from an OpenAI-style event stream.
func deltaText(t *testing.T, stream string) string {
	t.Helper()
	var sb strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(stream))
	for scanner.Scan() {
		payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok || payload == "[DONE]" {
			continue
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
		for _, choice := range chunk.Choices {
			sb.WriteString(choice.Delta.Content)
		}
	}
	return sb.String()
}

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func TestRelay_PassesBytesThroughUnchanged(t *testing.T) {
	relay := NewStreamRelay(time.Second, time.Minute)
	rec := httptest.NewRecorder()
	body := &trackingBody{Reader: strings.NewReader(completeStream)}

	result, err := relay.Relay(context.Background(), rec, body)

	require.NoError(t, err)
	assert.Equal(t, completeStream, rec.Body.String())
	assert.Equal(t, "AB", deltaText(t, rec.Body.String()))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.True(t, rec.Flushed)

	assert.True(t, result.SentinelSeen)
	assert.True(t, result.HeadersSent)
	assert.Equal(t, 3, result.Frames)
	assert.Equal(t, int64(len(completeStream)), result.Bytes)
	assert.True(t, body.closed)
}

func TestRelay_SentinelSplitAcrossReads(t *testing.T) {
	relay := NewStreamRelay(time.Second, 0)
	rec := httptest.NewRecorder()
	body := io.NopCloser(iotest.OneByteReader(strings.NewReader(completeStream)))

	result, err := relay.Relay(context.Background(), rec, body)

	require.NoError(t, err)
	assert.True(t, result.SentinelSeen)
	assert.Equal(t, completeStream, rec.Body.String())
}

func TestRelay_SentinelWithoutTrailingNewline(t *testing.T) {
	relay := NewStreamRelay(0, 0)
	rec := httptest.NewRecorder()
	stream := "data: {\"choices\":[]}\r\n\r\ndata: [DONE]"

	result, err := relay.Relay(context.Background(), rec, io.NopCloser(strings.NewReader(stream)))

	require.NoError(t, err)
	assert.True(t, result.SentinelSeen)
	assert.Equal(t, 2, result.Frames)
}

func TestRelay_EOFWithoutSentinelIsUpstreamFailure(t *testing.T) {
	relay := NewStreamRelay(time.Second, time.Minute)
	rec := httptest.NewRecorder()
	partial := "data: {\"choices\":[{\"delta\":{\"content\":\"A\"}}]}\n\n"

	result, err := relay.Relay(context.Background(), rec, io.NopCloser(strings.NewReader(partial)))

	assert.ErrorIs(t, err, errors.ErrUpstreamFailure)
	assert.True(t, result.HeadersSent)
	assert.False(t, result.SentinelSeen)
	assert.Equal(t, partial, rec.Body.String())
}

func TestRelay_UpstreamReadErrorIsUpstreamFailure(t *testing.T) {
	relay := NewStreamRelay(0, 0)
	rec := httptest.NewRecorder()
	body := io.NopCloser(io.MultiReader(
		strings.NewReader("data: {}\n\n"),
		iotest.ErrReader(errors.New("connection reset")),
	))

	_, err := relay.Relay(context.Background(), rec, body)

	assert.ErrorIs(t, err, errors.ErrUpstreamFailure)
}

func TestRelay_ClientDisconnectClosesUpstream(t *testing.T) {
	relay := NewStreamRelay(0, 0)
	rec := httptest.NewRecorder()
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		result *RelayResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := relay.Relay(ctx, rec, pr)
		done <- outcome{result, err}
	}()

	_, err := pw.Write([]byte("data: {}\n\n"))
	require.NoError(t, err)
	cancel()

	select {
	case out := <-done:
		assert.ErrorIs(t, out.err, errors.ErrClientGone)
		assert.True(t, out.result.HeadersSent)
		assert.False(t, out.result.SentinelSeen)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after client disconnect")
	}

	_, err = pw.Write([]byte("data: [DONE]\n\n"))
	assert.ErrorIs(t, err, io.ErrClosedPipe, "upstream must be closed")
}

func TestRelay_IdleTimeout(t *testing.T) {
	relay := NewStreamRelay(50*time.Millisecond, 0)
	rec := httptest.NewRecorder()
	pr, pw := io.Pipe()
	defer pw.Close()

	start := time.Now()
	_, err := relay.Relay(context.Background(), rec, pr)

	assert.ErrorIs(t, err, errors.ErrUpstreamFailure)
	assert.Contains(t, err.Error(), "no data from upstream")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRelay_MaxDuration(t *testing.T) {
	relay := NewStreamRelay(0, 50*time.Millisecond)
	rec := httptest.NewRecorder()
	pr, pw := io.Pipe()
	defer pw.Close()

	_, err := relay.Relay(context.Background(), rec, pr)

	assert.ErrorIs(t, err, errors.ErrUpstreamFailure)
	assert.Contains(t, err.Error(), "stream exceeded")
}

type failingWriter struct {
	header http.Header
}

func (w *failingWriter) Header() http.Header       { return w.header }
func (w *failingWriter) WriteHeader(int)           {}
func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestRelay_WriteErrorIsClientGone(t *testing.T) {
	relay := NewStreamRelay(0, 0)
	body := &trackingBody{Reader: strings.NewReader(completeStream)}

	_, err := relay.Relay(context.Background(), &failingWriter{header: http.Header{}}, body)

	assert.ErrorIs(t, err, errors.ErrClientGone)
	assert.True(t, body.closed)
}

func TestSentinelDetector_IgnoresDoneInsidePayload(t *testing.T) {
	var d sentinelDetector
	d.feed([]byte("data: {\"content\":\"[DONE]\"}\n\n"))
	d.feed([]byte(": keep-alive comment\n"))
	d.flush()

	assert.False(t, d.done)
	assert.Equal(t, 1, d.frames)
}
