// Package stream locates SDS011 frames in a serial byte stream.
//
// The sensor may be mid-frame when the port is opened, and a noisy line can
// corrupt bytes, so the reader scans for the HEAD sentinel byte by byte and
// resynchronizes one byte past any candidate that fails validation.
package stream

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bigbag/sds011/internal/protocol"
)

// DefaultTimeout bounds one read cycle.
const DefaultTimeout = 2 * time.Second

// Transport is the byte-level link to the sensor. Read timeouts must be
// reported as protocol.ErrTimeout. ReadFull may return the bytes it got
// alongside the error.
type Transport interface {
	Write(data []byte) (int, error)
	ReadByte(timeout time.Duration) (byte, error)
	ReadFull(n int, timeout time.Duration) ([]byte, error)
}

// DiscardFunc is called with every candidate frame that failed validation.
type DiscardFunc func(raw []byte, err error)

// Reader extracts validated frames from a Transport. A Reader owns its
// transport for reading and is not safe for concurrent use.
type Reader struct {
	t         Transport
	timeout   time.Duration
	maxResync int
	onDiscard DiscardFunc
	log       *zap.Logger

	// pending holds bytes read from the transport but not yet scanned.
	pending []byte
}

// Option configures a Reader.
type Option func(*Reader)

// WithTimeout sets the deadline for one read cycle.
func WithTimeout(d time.Duration) Option {
	return func(r *Reader) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxResync bounds the number of discarded candidates per cycle.
// Zero means unbounded; the cycle deadline still applies.
func WithMaxResync(n int) Option {
	return func(r *Reader) {
		if n >= 0 {
			r.maxResync = n
		}
	}
}

// WithDiscardHook registers a callback for discarded candidates.
func WithDiscardHook(fn DiscardFunc) Option {
	return func(r *Reader) {
		r.onDiscard = fn
	}
}

// WithLogger sets the logger for resync diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.log = l
		}
	}
}

// NewReader creates a Reader on t.
func NewReader(t Transport, opts ...Option) *Reader {
	r := &Reader{
		t:       t,
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Timeout returns the read cycle deadline.
func (r *Reader) Timeout() time.Duration {
	return r.timeout
}

// Next returns the next valid measurement in the stream.
//
// Candidates failing validation are dropped and the scan resumes at the byte
// after their HEAD, since the true HEAD may lie inside the dropped span.
func (r *Reader) Next() (protocol.Reading, error) {
	deadline := time.Now().Add(r.timeout)
	resyncs := 0

	for {
		raw, err := r.readCandidate(deadline)
		if err != nil {
			return protocol.Reading{}, err
		}

		reading, err := protocol.ParseDataFrame(raw)
		if err == nil {
			return reading, nil
		}
		if !protocol.IsFrameError(err) {
			return protocol.Reading{}, err
		}

		r.discard(raw, err)
		r.unread(raw[1:])

		resyncs++
		if r.maxResync > 0 && resyncs > r.maxResync {
			return protocol.Reading{}, fmt.Errorf("%w: %d candidates discarded", protocol.ErrDesyncExceeded, resyncs)
		}
	}
}

// ReadFrame reads exactly one candidate frame and validates it without
// resynchronizing. Validation errors are returned to the caller.
func (r *Reader) ReadFrame(timeout time.Duration) (protocol.Frame, []byte, error) {
	if timeout <= 0 {
		timeout = r.timeout
	}
	raw, err := r.readCandidate(time.Now().Add(timeout))
	if err != nil {
		return protocol.Frame{}, nil, err
	}

	f, err := protocol.ParseFrame(raw)
	if err != nil {
		r.discard(raw, err)
		return protocol.Frame{}, raw, err
	}
	return f, raw, nil
}

// Reset drops buffered bytes and flushes the transport input when supported.
func (r *Reader) Reset() error {
	r.pending = nil
	if f, ok := r.t.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Buffered returns the number of bytes waiting to be rescanned.
func (r *Reader) Buffered() int {
	return len(r.pending)
}

// readCandidate scans for HEAD and reads the rest of a frame.
func (r *Reader) readCandidate(deadline time.Time) ([]byte, error) {
	skipped := 0
	for {
		b, err := r.readByte(deadline)
		if err != nil {
			if skipped > 0 {
				r.log.Debug("no frame head found", zap.Int("skipped", skipped), zap.Error(err))
			}
			return nil, err
		}
		if b == protocol.Head {
			break
		}
		skipped++
	}

	raw := make([]byte, 1, protocol.DataFrameSize)
	raw[0] = protocol.Head

	body, err := r.readFull(protocol.DataFrameSize-1, deadline)
	raw = append(raw, body...)
	if err != nil {
		// Keep the partial frame so the next cycle can complete it.
		r.unread(raw)
		return nil, err
	}
	return raw, nil
}

func (r *Reader) readByte(deadline time.Time) (byte, error) {
	if len(r.pending) > 0 {
		b := r.pending[0]
		r.pending = r.pending[1:]
		return b, nil
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, protocol.ErrTimeout
	}
	return r.t.ReadByte(remaining)
}

func (r *Reader) readFull(n int, deadline time.Time) ([]byte, error) {
	buf := make([]byte, 0, n)

	take := min(n, len(r.pending))
	buf = append(buf, r.pending[:take]...)
	r.pending = r.pending[take:]

	if len(buf) == n {
		return buf, nil
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return buf, protocol.ErrTimeout
	}

	rest, err := r.t.ReadFull(n-len(buf), remaining)
	buf = append(buf, rest...)
	if err != nil {
		return buf, err
	}
	if len(buf) < n {
		return buf, fmt.Errorf("%w: short read %d/%d", protocol.ErrTimeout, len(buf), n)
	}
	return buf, nil
}

// unread puts b in front of the pending bytes.
func (r *Reader) unread(b []byte) {
	if len(b) == 0 {
		return
	}
	pending := make([]byte, 0, len(b)+len(r.pending))
	pending = append(pending, b...)
	r.pending = append(pending, r.pending...)
}

func (r *Reader) discard(raw []byte, err error) {
	r.log.Debug("discarding frame candidate",
		zap.String("raw", fmt.Sprintf("% X", raw)),
		zap.String("reason", protocol.Reason(err)),
		zap.Error(err),
	)
	if r.onDiscard != nil {
		r.onDiscard(raw, err)
	}
}
