// Package tee fans a provider byte stream out to two independent consumers:
// a forward branch the client reads byte-for-byte, and a capture branch that
// feeds a delta parser for later storage.
//
// The contract is asymmetric. The client branch is authoritative: it always
// receives every byte the provider produced, and it never waits on the
// capture branch. The capture branch buffers behind a bounded byte budget;
// on overflow, capture is abandoned and flagged while the client keeps
// streaming. If the client disconnects mid-stream, the capture branch keeps
// reading the provider for a short grace period so what was actually
// produced can still be stored.
package tee

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults.
const (
	DefaultBufferCap = 1 << 20 // 1 MiB of pending capture bytes
	DefaultGrace     = 2 * time.Second
)

// ErrCaptureOverflow marks a capture abandoned because the pending buffer
// exceeded its cap.
var ErrCaptureOverflow = errors.New("tee: capture buffer overflow")

// Result reports how the capture branch ended.
type Result struct {
	// Overflowed is true when capture was abandoned mid-stream. The client
	// still received the full response; storage must be skipped.
	Overflowed bool

	// ClientGone is true when the forward branch died before the provider
	// stream ended.
	ClientGone bool

	// Err is the first provider read error other than EOF, if any.
	Err error
}

// Tee runs the fan-out. Construct with [New]; the producer goroutine starts
// immediately.
type Tee struct {
	forward *io.PipeReader
	pw      *io.PipeWriter
	src     io.ReadCloser
	sink    io.Writer

	cap   int
	grace time.Duration

	mu      sync.Mutex
	pending int
	chunks  chan []byte

	done   chan struct{}
	result Result

	gone     atomic.Bool
	finished atomic.Bool

	goneOnce  sync.Once
	closeOnce sync.Once
}

// Option configures a Tee.
type Option func(*Tee)

// WithBufferCap overrides [DefaultBufferCap].
func WithBufferCap(n int) Option {
	return func(t *Tee) { t.cap = n }
}

// WithGrace overrides [DefaultGrace].
func WithGrace(d time.Duration) Option {
	return func(t *Tee) { t.grace = d }
}

// New starts the fan-out of src into the forward branch and sink. The
// caller must drain [Tee.Forward] (or close it) and then [Tee.Wait].
func New(src io.ReadCloser, sink io.Writer, opts ...Option) *Tee {
	pr, pw := io.Pipe()
	t := &Tee{
		forward: pr,
		pw:      pw,
		src:     src,
		sink:    sink,
		cap:     DefaultBufferCap,
		grace:   DefaultGrace,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.chunks = make(chan []byte, 256)

	captureDone := make(chan struct{})
	go t.consume(captureDone)
	go t.produce(captureDone)
	return t
}

// Forward returns the client branch. Closing it before the stream ends
// signals client disconnect and opens the capture grace window.
func (t *Tee) Forward() io.ReadCloser {
	return &forwardBranch{pr: t.forward, t: t}
}

type forwardBranch struct {
	pr *io.PipeReader
	t  *Tee
}

func (f *forwardBranch) Read(p []byte) (int, error) { return f.pr.Read(p) }

func (f *forwardBranch) Close() error {
	f.t.markClientGone()
	return f.pr.Close()
}

// markClientGone records the disconnect and arms the grace timer that will
// eventually cut the provider read loose. A close after the stream already
// finished is a no-op.
func (t *Tee) markClientGone() {
	if t.finished.Load() {
		return
	}
	t.goneOnce.Do(func() {
		t.gone.Store(true)
		time.AfterFunc(t.grace, t.closeSrc)
	})
}

// Wait blocks until the capture branch has finished and returns its result.
func (t *Tee) Wait() Result {
	<-t.done
	return t.result
}

// Abort tears the whole tee down, cancelling both branches. Used when the
// request context dies.
func (t *Tee) Abort() {
	t.closeSrc()
	t.forward.CloseWithError(errors.New("tee: aborted"))
}

func (t *Tee) closeSrc() {
	t.closeOnce.Do(func() { _ = t.src.Close() })
}

// produce reads the provider stream, feeding both branches. Forward writes
// block on the client (backpressure reaches the provider); capture sends
// never block.
func (t *Tee) produce(captureDone chan struct{}) {
	var (
		abandoned bool
		buf       = make([]byte, 32*1024)
	)

	for {
		n, err := t.src.Read(buf)
		if n > 0 {
			if !abandoned {
				abandoned = !t.enqueue(buf[:n])
			}
			if !t.gone.Load() {
				if _, werr := t.pw.Write(buf[:n]); werr != nil {
					// Client went away mid-write. Keep capturing within the
					// grace window, then cut the provider read loose.
					t.markClientGone()
				}
			}
		}
		if err != nil {
			if err != io.EOF && !t.gone.Load() {
				t.result.Err = err
			}
			break
		}
	}
	t.finished.Store(true)

	t.pw.Close()
	close(t.chunks)
	<-captureDone

	t.result.Overflowed = abandoned
	t.result.ClientGone = t.gone.Load()
	if abandoned && t.result.Err == nil {
		t.result.Err = ErrCaptureOverflow
	}
	close(t.done)
}

// enqueue hands a copy of p to the capture branch. It reports false when
// the pending budget is exhausted, which abandons capture for the rest of
// the stream.
func (t *Tee) enqueue(p []byte) bool {
	t.mu.Lock()
	if t.pending+len(p) > t.cap {
		t.mu.Unlock()
		return false
	}
	t.pending += len(p)
	t.mu.Unlock()

	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case t.chunks <- chunk:
		return true
	default:
		// Channel saturated; treat like a byte-budget overflow.
		t.mu.Lock()
		t.pending -= len(p)
		t.mu.Unlock()
		return false
	}
}

func (t *Tee) consume(captureDone chan struct{}) {
	defer close(captureDone)
	for chunk := range t.chunks {
		t.mu.Lock()
		t.pending -= len(chunk)
		t.mu.Unlock()
		// Sink errors do not affect the forward branch.
		_, _ = t.sink.Write(chunk)
	}
}
