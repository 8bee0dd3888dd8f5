package filetransfer

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// RateLimitedReader paces reads to a fixed number of bytes per second using
// a token bucket.
type RateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewRateLimitedReader limits r to bytesPerSecond. burst is the largest read
// served without waiting, normally one chunk. A non-positive rate returns r.
func NewRateLimitedReader(ctx context.Context, r io.Reader, bytesPerSecond int64, burst int) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	if burst <= 0 {
		burst = DefaultChunkSize
	}
	return &RateLimitedReader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		ctx:     ctx,
	}
}

func (r *RateLimitedReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	default:
	}

	n, err := r.r.Read(p)
	if n <= 0 {
		return n, err
	}

	// WaitN rejects requests above the burst size.
	for remaining := n; remaining > 0; {
		step := remaining
		if b := r.limiter.Burst(); step > b {
			step = b
		}
		if waitErr := r.limiter.WaitN(r.ctx, step); waitErr != nil {
			return n, waitErr
		}
		remaining -= step
	}
	return n, err
}
