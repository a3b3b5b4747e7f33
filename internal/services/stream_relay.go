package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"vision-api/internal/pkg/errors"
)

const relayBufferSize = 32 * 1024

// RelayResult describes what a relay delivered.
type RelayResult struct {
	Bytes        int64
	Frames       int
	SentinelSeen bool
	// HeadersSent is true once the 200 status is on the wire. After that
	// no error response can be written.
	HeadersSent bool
	Duration    time.Duration
}

// StreamRelay pipes an upstream event stream to the client unchanged.
type StreamRelay struct {
	idleTimeout time.Duration
	maxDuration time.Duration
}

// NewStreamRelay returns a relay. A zero timeout disables that limit.
func NewStreamRelay(idleTimeout, maxDuration time.Duration) *StreamRelay {
	return &StreamRelay{idleTimeout: idleTimeout, maxDuration: maxDuration}
}

// Relay copies upstream to w, flushing after every chunk. It succeeds only
// when upstream reaches EOF after the completion sentinel and the client is
// still connected. upstream is always closed on return.
func (r *StreamRelay) Relay(ctx context.Context, w http.ResponseWriter, upstream io.ReadCloser) (*RelayResult, error) {
	start := time.Now()
	result := &RelayResult{}
	defer func() { result.Duration = time.Since(start) }()

	var closeOnce sync.Once
	closeUpstream := func() { closeOnce.Do(func() { upstream.Close() }) }
	defer closeUpstream()

	var (
		relayCtx context.Context
		cancel   context.CancelFunc
	)
	if r.maxDuration > 0 {
		relayCtx, cancel = context.WithTimeout(ctx, r.maxDuration)
	} else {
		relayCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// A blocked Read only returns once the body is closed.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-relayCtx.Done():
			closeUpstream()
		case <-done:
		}
	}()

	var idleFired atomic.Bool
	var idleTimer *time.Timer
	if r.idleTimeout > 0 {
		idleTimer = time.AfterFunc(r.idleTimeout, func() {
			idleFired.Store(true)
			closeUpstream()
		})
		defer idleTimer.Stop()
	}

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flush()
	result.HeadersSent = true

	var detector sentinelDetector
	buf := make([]byte, relayBufferSize)

	for {
		n, readErr := upstream.Read(buf)
		if n > 0 {
			if idleTimer != nil {
				idleTimer.Reset(r.idleTimeout)
			}
			detector.feed(buf[:n])

			written, err := w.Write(buf[:n])
			result.Bytes += int64(written)
			if err != nil {
				closeUpstream()
				r.finish(result, &detector)
				return result, errors.Join(errors.ErrClientGone, err)
			}
			flush()
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			r.finish(result, &detector)
			return result, r.classify(ctx, relayCtx, &idleFired, readErr)
		}
	}

	r.finish(result, &detector)

	if ctx.Err() != nil {
		return result, errors.Join(errors.ErrClientGone, ctx.Err())
	}
	if !result.SentinelSeen {
		return result, errors.Join(errors.ErrUpstreamFailure, fmt.Errorf("stream ended without completion sentinel"))
	}
	return result, nil
}

func (r *StreamRelay) finish(result *RelayResult, detector *sentinelDetector) {
	detector.flush()
	result.Frames = detector.frames
	result.SentinelSeen = detector.done
}

func (r *StreamRelay) classify(ctx, relayCtx context.Context, idleFired *atomic.Bool, readErr error) error {
	switch {
	case ctx.Err() != nil:
		return errors.Join(errors.ErrClientGone, ctx.Err())
	case idleFired.Load():
		return errors.Join(errors.ErrUpstreamFailure, fmt.Errorf("no data from upstream for %s", r.idleTimeout))
	case relayCtx.Err() == context.DeadlineExceeded:
		return errors.Join(errors.ErrUpstreamFailure, fmt.Errorf("stream exceeded %s", r.maxDuration))
	default:
		return errors.Join(errors.ErrUpstreamFailure, readErr)
	}
}

const maxSentinelLine = 64 * 1024

var (
	sseDataPrefix = []byte("data:")
	sseSentinel   = []byte("[DONE]")
)

// sentinelDetector watches a byte stream for "data:" lines without
// modifying it. Lines may be split across chunks.
type sentinelDetector struct {
	line     []byte
	overflow bool
	frames   int
	done     bool
}

func (d *sentinelDetector) feed(chunk []byte) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			d.appendPartial(chunk)
			return
		}
		d.appendPartial(chunk[:i])
		d.endLine()
		chunk = chunk[i+1:]
	}
}

func (d *sentinelDetector) appendPartial(b []byte) {
	if d.overflow {
		return
	}
	if len(d.line)+len(b) > maxSentinelLine {
		// Only the line prefix matters for counting.
		room := maxSentinelLine - len(d.line)
		d.line = append(d.line, b[:room]...)
		d.overflow = true
		return
	}
	d.line = append(d.line, b...)
}

func (d *sentinelDetector) endLine() {
	line := bytes.TrimRight(d.line, "\r")
	if bytes.HasPrefix(line, sseDataPrefix) {
		d.frames++
		if bytes.Equal(bytes.TrimSpace(line[len(sseDataPrefix):]), sseSentinel) {
			d.done = true
		}
	}
	d.line = d.line[:0]
	d.overflow = false
}

// flush terminates a trailing line that had no newline.
func (d *sentinelDetector) flush() {
	if len(d.line) > 0 {
		d.endLine()
	}
}
