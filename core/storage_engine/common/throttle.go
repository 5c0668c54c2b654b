// Package common holds helpers shared by storage components.
package common

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// copyChunkSize is the size of each read/write chunk when copying files.
const copyChunkSize = 1 << 20

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, copyChunkSize) },
}

// Throttle paces byte-volume work with a token bucket. A nil Throttle or a
// non-positive rate never waits.
type Throttle struct {
	limiter *rate.Limiter
	burst   int
}

// NewThrottle allows bytesPerSec on average with bursts of up to burst bytes.
func NewThrottle(bytesPerSec int64, burst int) *Throttle {
	if bytesPerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = copyChunkSize
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst), burst: burst}
}

// WaitN blocks until n bytes may proceed or ctx is done. Requests larger
// than the burst are split.
func (t *Throttle) WaitN(ctx context.Context, n int) error {
	if t == nil {
		return nil
	}
	for n > 0 {
		step := n
		if step > t.burst {
			step = t.burst
		}
		if err := t.limiter.WaitN(ctx, step); err != nil {
			return fmt.Errorf("rate limiter error: %w", err)
		}
		n -= step
	}
	return nil
}

// CopyThrottled copies srcPath to dstPath at no more than the throttle's
// rate and returns the sha256 of the copied bytes.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, throttle *Throttle) ([]byte, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	sum := sha256.New()
	var readOff int64
	for {
		buf := bufPool.Get().([]byte)
		n, rerr := src.ReadAt(buf[:copyChunkSize], readOff)
		if n > 0 {
			if err := throttle.WaitN(ctx, n); err != nil {
				bufPool.Put(buf)
				return nil, err
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				bufPool.Put(buf)
				return nil, fmt.Errorf("write error: %w", werr)
			}
			sum.Write(buf[:n])
			readOff += int64(n)
		}
		bufPool.Put(buf)
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("sync error: %w", err)
	}
	return sum.Sum(nil), nil
}
