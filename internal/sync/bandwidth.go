package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/foldersync/internal/config"
)

// burstMultiplier sizes the token bucket at twice the per-second rate, so a
// short stall can be made up on the next read without exceeding the
// sustained limit.
const burstMultiplier = 2

// BandwidthLimiter throttles the bytes read from source files during
// copies. One limiter is shared by reconcile passes and queued changes, so
// the configured rate bounds the daemon as a whole. A nil *BandwidthLimiter
// means unlimited.
type BandwidthLimiter struct {
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewBandwidthLimiter parses a bandwidth_limit value such as "5MB/s".
// It returns nil for "0" or an empty string.
func NewBandwidthLimiter(bandwidthLimit string, logger *slog.Logger) (*BandwidthLimiter, error) {
	bytesPerSec, err := parseBandwidthRate(bandwidthLimit)
	if err != nil {
		return nil, fmt.Errorf("sync: bandwidth limit %q: %w", bandwidthLimit, err)
	}

	if bytesPerSec == 0 {
		return nil, nil //nolint:nilnil // nil limiter = unlimited
	}

	burst := int(bytesPerSec) * burstMultiplier

	logger.Info("bandwidth limiter created",
		slog.Int64("bytes_per_sec", bytesPerSec),
		slog.Int("burst", burst),
	)

	return &BandwidthLimiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		logger:  logger,
	}, nil
}

// parseBandwidthRate turns "5MB/s", "100KiB/s" or "0" into bytes per second.
func parseBandwidthRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	size := s
	if strings.HasSuffix(strings.ToLower(size), "/s") {
		size = size[:len(size)-len("/s")]
	}

	n, err := config.ParseSize(size)
	if err != nil {
		return 0, err
	}

	return n, nil
}

// WrapReader returns r throttled to the limiter's rate. A nil limiter
// returns r unchanged.
func (bl *BandwidthLimiter) WrapReader(ctx context.Context, r io.Reader) io.Reader {
	if bl == nil {
		return r
	}

	return &throttledReader{ctx: ctx, r: r, limiter: bl.limiter}
}

// throttledReader waits for tokens after each read, so the caller sees the
// bytes immediately and pays for them before the next read.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		if waitErr := waitN(t.ctx, t.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN requests n tokens in burst-sized pieces; rate.Limiter.WaitN rejects
// single requests larger than the burst.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		take := min(n, burst)

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
