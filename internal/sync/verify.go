package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"
)

// Verify status constants (used in VerifyResult.Status).
const (
	VerifyOK              = "ok"
	VerifyMissing         = "missing"
	VerifyTypeMismatch    = "type_mismatch"
	VerifySizeMismatch    = "size_mismatch"
	VerifyContentMismatch = "content_mismatch"
)

// compareChunk is the read size for byte comparison.
const compareChunk = 64 * 1024

// VerifyResult describes one source entry whose mirror is wrong.
type VerifyResult struct {
	Path     string `json:"path"` // relative to the source root
	Status   string `json:"status"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// VerifyReport is the outcome of comparing the destination with the source.
// Extra lists destination entries with no source counterpart; a reconcile
// pass never deletes, so these are reported but are not mismatches.
type VerifyReport struct {
	Verified   int            `json:"verified"`
	Mismatches []VerifyResult `json:"mismatches"`
	Extra      []string       `json:"extra"`
}

// Verify walks the source tree and checks that every included entry exists
// at the destination with the same type and, for files, the same bytes.
// It never writes.
func Verify(ctx context.Context, fsys afero.Fs, mapper *PathMapper, filter PathFilter, logger *slog.Logger) (*VerifyReport, error) {
	report := &VerifyReport{}
	root := mapper.SourceRoot()

	err := afero.Walk(fsys, root, func(path string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if path == root || info.Mode()&fs.ModeSymlink != 0 {
			return nil
		}

		if filter != nil && filter.Excluded(path, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		result, err := verifyEntry(fsys, mapper, path, info, logger)
		if err != nil {
			return err
		}

		if result.Status == VerifyOK {
			report.Verified++
			return nil
		}

		report.Mismatches = append(report.Mismatches, result)

		// Nothing below a missing or mistyped directory can match.
		if info.IsDir() {
			return filepath.SkipDir
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sync: verify: %w", err)
	}

	extra, err := findExtra(ctx, fsys, mapper)
	if err != nil {
		return nil, fmt.Errorf("sync: verify: %w", err)
	}

	report.Extra = extra

	return report, nil
}

// verifyEntry compares one source entry with its mirror.
func verifyEntry(fsys afero.Fs, mapper *PathMapper, src string, info fs.FileInfo, logger *slog.Logger) (VerifyResult, error) {
	rel, err := mapper.Rel(src)
	if err != nil {
		return VerifyResult{}, err
	}

	dst, err := mapper.Map(src)
	if err != nil {
		return VerifyResult{}, err
	}

	dstInfo, err := fsys.Stat(dst)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("verify: stat failed", slog.String("path", dst), slog.String("error", err.Error()))
		}

		return VerifyResult{Path: rel, Status: VerifyMissing, Actual: errString(err)}, nil
	}

	if info.IsDir() != dstInfo.IsDir() {
		return VerifyResult{
			Path:     rel,
			Status:   VerifyTypeMismatch,
			Expected: kindName(info.IsDir()),
			Actual:   kindName(dstInfo.IsDir()),
		}, nil
	}

	if info.IsDir() || !info.Mode().IsRegular() {
		return VerifyResult{Path: rel, Status: VerifyOK}, nil
	}

	if info.Size() != dstInfo.Size() {
		return VerifyResult{
			Path:     rel,
			Status:   VerifySizeMismatch,
			Expected: fmt.Sprintf("%d", info.Size()),
			Actual:   fmt.Sprintf("%d", dstInfo.Size()),
		}, nil
	}

	same, err := sameContents(fsys, src, dst)
	if err != nil {
		logger.Warn("verify: compare failed", slog.String("path", rel), slog.String("error", err.Error()))

		return VerifyResult{Path: rel, Status: VerifyContentMismatch, Actual: err.Error()}, nil
	}

	if !same {
		return VerifyResult{Path: rel, Status: VerifyContentMismatch}, nil
	}

	return VerifyResult{Path: rel, Status: VerifyOK}, nil
}

// findExtra lists destination entries whose source counterpart is gone.
func findExtra(ctx context.Context, fsys afero.Fs, mapper *PathMapper) ([]string, error) {
	var extra []string

	root := mapper.DestRoot()

	err := afero.Walk(fsys, root, func(path string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if path == root {
			return nil
		}

		src, err := mapper.Unmap(path)
		if err != nil {
			return err
		}

		if _, err := fsys.Stat(src); errors.Is(err, fs.ErrNotExist) {
			rel, _ := filepath.Rel(root, path)
			extra = append(extra, rel)

			if info.IsDir() {
				return filepath.SkipDir
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return extra, nil
}

// sameContents compares two files byte for byte.
func sameContents(fsys afero.Fs, a, b string) (bool, error) {
	fa, err := fsys.Open(a)
	if err != nil {
		return false, err
	}
	defer fa.Close()

	fb, err := fsys.Open(b)
	if err != nil {
		return false, err
	}
	defer fb.Close()

	bufA := make([]byte, compareChunk)
	bufB := make([]byte, compareChunk)

	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)

		if !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}

		doneA := errors.Is(errA, io.EOF) || errors.Is(errA, io.ErrUnexpectedEOF)
		doneB := errors.Is(errB, io.EOF) || errors.Is(errB, io.ErrUnexpectedEOF)

		if errA != nil && !doneA {
			return false, errA
		}

		if errB != nil && !doneB {
			return false, errB
		}

		if doneA || doneB {
			return doneA == doneB, nil
		}
	}
}

func kindName(isDir bool) string {
	if isDir {
		return "directory"
	}

	return "file"
}

func errString(err error) string {
	if errors.Is(err, fs.ErrNotExist) {
		return ""
	}

	return err.Error()
}
