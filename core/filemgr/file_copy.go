package filemgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// copyChunkSize is the unit of throttled reads/writes during compaction.
const copyChunkSize = 4 * 1024 * 1024 // 4 MiB

var copyBufPool = sync.Pool{
	New: func() interface{} { return make([]byte, copyChunkSize) },
}

// CopyThrottled copies srcPath to dstPath, limiting throughput to
// rateBytesPerSec (0 means unthrottled). Compaction runs alongside live
// traffic, so the copy must not saturate the disk.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open dst: %w", err)
	}
	defer func() {
		_ = dst.Sync()
		_ = dst.Close()
	}()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), copyChunkSize)
	}

	var readOff int64
	for {
		buf := copyBufPool.Get().([]byte)
		n, rerr := src.ReadAt(buf[:copyChunkSize], readOff)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					copyBufPool.Put(buf)
					return fmt.Errorf("rate limiter error: %w", err)
				}
			}
			w := 0
			for w < n {
				m, werr := dst.Write(buf[w:n])
				if werr != nil {
					copyBufPool.Put(buf)
					return fmt.Errorf("write error: %w", werr)
				}
				w += m
			}
			readOff += int64(n)
		}
		copyBufPool.Put(buf)

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync error: %w", err)
	}
	return nil
}

// CompactTo marks the file compact-old and copies its bytes into newPath at
// the given throughput. The caller (the compaction actor) is responsible for
// switching handles over and restoring the status once the new file is live;
// transactions begun while the copy runs anchor on the block-not-found
// sentinel instead of a prior header.
func (f *FileMgr) CompactTo(ctx context.Context, newPath string, rateBytesPerSec int64) error {
	if f.IsClosed() {
		return ErrFileClosed
	}
	f.SetStatus(StatusCompactOld)
	f.log.Info("compaction copy started",
		zap.String("from", f.path), zap.String("to", newPath))

	if err := CopyThrottled(ctx, f.path, newPath, rateBytesPerSec); err != nil {
		f.SetStatus(StatusNormal)
		return fmt.Errorf("compaction copy failed: %w", err)
	}
	return nil
}
