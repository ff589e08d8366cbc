// Package iofile is the file abstraction collaborator spec.md §1/§6
// describes: an assumed open/read/write/seek/size/close primitive with
// best-effort buffered I/O. This default implementation wraps os.File with
// retry on transient open failures; writes are not retried.
package iofile

import (
	"bufio"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jmylchreest/fmp4cenc/internal/fmp4err"
)

// File is the minimal synchronous I/O surface the core needs, per spec.md §5
// ("expected to expose synchronous write/flush/close").
type File interface {
	Write(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Flush() error
	Close() error
}

// Opener creates output files. The default implementation retries transient
// open failures (e.g. a not-yet-mounted output directory) a bounded number
// of times before surfacing FILE_FAILURE.
type Opener struct {
	Attempts uint
	Delay    time.Duration
}

func NewOpener() *Opener {
	return &Opener{Attempts: 3, Delay: 50 * time.Millisecond}
}

// Create opens path for writing, creating parent directories as needed.
func (o *Opener) Create(path string) (File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmp4err.New(fmp4err.FileFailure, "creating output directory", err)
	}

	var f *os.File
	err := retry.Do(
		func() error {
			var openErr error
			f, openErr = os.Create(path)
			return openErr
		},
		retry.Attempts(o.Attempts),
		retry.Delay(o.Delay),
	)
	if err != nil {
		return nil, fmp4err.New(fmp4err.FileFailure, "opening "+path, err)
	}
	return &bufferedFile{f: f, w: bufio.NewWriter(f)}, nil
}

type bufferedFile struct {
	f *os.File
	w *bufio.Writer
}

func (b *bufferedFile) Write(p []byte) (int, error) {
	n, err := b.w.Write(p)
	if err != nil {
		return n, fmp4err.New(fmp4err.FileFailure, "write", err)
	}
	return n, nil
}

func (b *bufferedFile) Seek(offset int64, whence int) (int64, error) {
	if err := b.w.Flush(); err != nil {
		return 0, fmp4err.New(fmp4err.FileFailure, "flush before seek", err)
	}
	pos, err := b.f.Seek(offset, whence)
	if err != nil {
		return pos, fmp4err.New(fmp4err.FileFailure, "seek", err)
	}
	return pos, nil
}

func (b *bufferedFile) Flush() error {
	if err := b.w.Flush(); err != nil {
		return fmp4err.New(fmp4err.FileFailure, "flush", err)
	}
	return nil
}

// Close flushes and closes the file. A close failure is reported but, per
// spec.md §7, never overwrites a prior write error the caller already holds.
func (b *bufferedFile) Close() error {
	flushErr := b.w.Flush()
	closeErr := b.f.Close()
	if flushErr != nil {
		return fmp4err.New(fmp4err.FileFailure, "flush on close", flushErr)
	}
	if closeErr != nil {
		return fmp4err.New(fmp4err.FileFailure, "close", closeErr)
	}
	return nil
}
