package sync

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// Modes for entries created at the destination. Source permissions are
// not carried over.
const (
	mirrorFilePerm = 0o644
	mirrorDirPerm  = 0o755
)

// copyFile replaces dst with the full contents of src, reading through the
// bandwidth limiter. The parent of dst must already exist. It returns the
// number of bytes written.
func copyFile(ctx context.Context, fsys afero.Fs, limiter *BandwidthLimiter, src, dst string) (int64, error) {
	in, err := fsys.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mirrorFilePerm)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, limiter.WrapReader(ctx, in))
	if err != nil {
		out.Close()
		return n, fmt.Errorf("copying %s: %w", src, err)
	}

	if err := out.Close(); err != nil {
		return n, err
	}

	return n, nil
}
