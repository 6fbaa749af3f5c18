package downloadlib

import (
	"io"
	"time"
)

// RateLimitedReader wraps an io.Reader and paces Read calls to a target
// throughput, shaped after warplib's RateLimitedReader but using the block
// based formula spec'd for this downloader rather than a continuous token
// bucket: each Read is treated as one block, the minimum time that block
// should have taken at the configured limit is computed up front, and the
// reader sleeps only the remainder if the actual read finished faster than
// that.
//
//	minDlTime = block_bytes / (limit * 1000)
//	if elapsed < minDlTime { sleep(minDlTime - elapsed) }
//
// limit is in KB/s; 0 or negative disables limiting.
type RateLimitedReader struct {
	r     io.Reader
	limit int64
}

// NewRateLimitedReader wraps r with a limit expressed in KB/s.
func NewRateLimitedReader(r io.Reader, limitKBps int64) *RateLimitedReader {
	return &RateLimitedReader{r: r, limit: limitKBps}
}

func (r *RateLimitedReader) Read(b []byte) (int, error) {
	if r.limit <= 0 {
		return r.r.Read(b)
	}
	start := time.Now()
	n, err := r.r.Read(b)
	if n <= 0 {
		return n, err
	}

	minDlTime := time.Duration(float64(n) / (float64(r.limit) * 1000) * float64(time.Second))
	elapsed := time.Since(start)
	if elapsed < minDlTime {
		time.Sleep(minDlTime - elapsed)
	}
	return n, err
}

// SetLimit updates the throughput ceiling (KB/s) in place; 0 or negative
// disables limiting. Safe to call between Read calls only — RateLimitedReader
// itself adds no synchronization, matching the single-goroutine-per-download
// concurrency model described in SPEC_FULL.md §5.2.
func (r *RateLimitedReader) SetLimit(limitKBps int64) {
	r.limit = limitKBps
}
