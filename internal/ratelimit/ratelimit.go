// Package ratelimit provides bandwidth throttling for FTP data channel
// transfers, built on golang.org/x/time/rate's token bucket.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Limiter wraps a *rate.Limiter configured in bytes per second, with a
// one-second burst allowance.
type Limiter struct {
	rl *rate.Limiter
}

// New creates a new rate limiter with the specified bytes per second limit.
// Returns nil (meaning "unlimited") if bytesPerSecond is not positive.
func New(bytesPerSecond int) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)}
}

// take blocks until n bytes worth of tokens are available.
func (l *Limiter) take(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
	burst := l.rl.Burst()
	for n > burst {
		if err := l.rl.WaitN(ctx, burst); err != nil {
			return err
		}
		n -= burst
	}
	return l.rl.WaitN(ctx, n)
}

// reader wraps an io.Reader to limit read speed.
type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader creates a new rate-limited reader bound to ctx. If limiter is
// nil, returns r unchanged.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	const maxChunk = 32 * 1024
	if len(p) > maxChunk {
		p = p[:maxChunk]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.take(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// writer wraps an io.Writer to limit write speed.
type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter creates a new rate-limited writer bound to ctx. If limiter is
// nil, returns w unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	const maxChunk = 32 * 1024

	total := 0
	for total < len(p) {
		end := total + maxChunk
		if end > len(p) {
			end = len(p)
		}
		chunk := p[total:end]

		if err := w.limiter.take(w.ctx, len(chunk)); err != nil {
			return total, err
		}
		n, err := w.w.Write(chunk)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
