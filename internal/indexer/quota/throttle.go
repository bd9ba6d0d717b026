package quota

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// IOThrottle limits write throughput, e.g. while dumping a segment. A zero
// limit disables throttling.
type IOThrottle struct {
	limiter *rate.Limiter
	burst   int
}

func NewIOThrottle(bytesPerSec int64) *IOThrottle {
	if bytesPerSec <= 0 {
		return &IOThrottle{}
	}
	burst := int(bytesPerSec)
	return &IOThrottle{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		burst:   burst,
	}
}

func (t *IOThrottle) Enabled() bool {
	return t != nil && t.limiter != nil
}

// WaitN blocks until n bytes may be written.
func (t *IOThrottle) WaitN(ctx context.Context, n int) error {
	if !t.Enabled() {
		return nil
	}
	for n > 0 {
		chunk := min(n, t.burst)
		if err := t.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Writer wraps w so each Write waits for its bytes first.
func (t *IOThrottle) Writer(ctx context.Context, w io.Writer) io.Writer {
	if !t.Enabled() {
		return w
	}
	return &throttledWriter{ctx: ctx, t: t, w: w}
}

type throttledWriter struct {
	ctx context.Context
	t   *IOThrottle
	w   io.Writer
}

func (tw *throttledWriter) Write(p []byte) (int, error) {
	if err := tw.t.WaitN(tw.ctx, len(p)); err != nil {
		return 0, err
	}
	return tw.w.Write(p)
}
