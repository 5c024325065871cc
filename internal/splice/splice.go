// Package splice forwards bytes between two bidirectional streams.
package splice

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// BufferSize is the size of each pooled copy buffer (32KB).
const BufferSize = 32 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, BufferSize)
		return &buf
	},
}

// copyWithBuffer performs io.CopyBuffer using a pooled buffer.
func copyWithBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// Result reports how many bytes moved in each direction.
type Result struct {
	AToB int64
	BToA int64
}

type closeWriter interface {
	CloseWrite() error
}

type copyResult struct {
	aToB bool
	n    int64
	err  error
}

// DuplexCopy copies a→b and b→a concurrently. When one direction reaches a
// clean EOF the destination's write side is half-closed (if it supports
// CloseWrite) and the other direction keeps flowing. DuplexCopy returns nil
// only after both directions reached EOF. The first error from either
// direction closes both streams, which stops the surviving direction, and is
// returned. Cancelling ctx closes both streams too.
//
// Both a and b are closed before DuplexCopy returns.
func DuplexCopy(ctx context.Context, a, b io.ReadWriteCloser) (Result, error) {
	done := make(chan copyResult, 2)
	run := func(dst, src io.ReadWriteCloser, aToB bool) {
		n, err := copyWithBuffer(dst, src)
		if err == nil {
			if cw, ok := dst.(closeWriter); ok {
				if cerr := cw.CloseWrite(); cerr != nil && !IsExpectedCloseError(cerr) {
					err = cerr
				}
			}
		}
		done <- copyResult{aToB: aToB, n: n, err: err}
	}
	go run(b, a, true)
	go run(a, b, false)

	var (
		once     sync.Once
		res      Result
		firstErr error
	)
	closeBoth := func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	for i := 0; i < 2; i++ {
		r := <-done
		if r.aToB {
			res.AToB = r.n
		} else {
			res.BToA = r.n
		}
		if r.err != nil && firstErr == nil {
			firstErr = r.err
			closeBoth()
		}
	}
	closeBoth()
	if ctx.Err() != nil && (firstErr == nil || IsExpectedCloseError(firstErr)) {
		firstErr = ctx.Err()
	}
	return res, firstErr
}

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection or pipe, broken pipe, or connection
// reset. These show up on the surviving side when a splice is torn down and
// should not be logged as failures.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
}
