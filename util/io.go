package util

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
)

// ResourceChunkSize is the largest piece CopyExact moves at once while
// streaming an R! body into its file.
const ResourceChunkSize = 64 * 1024

// resourceBufs recycles CopyExact buffers across resource downloads.
var resourceBufs = sync.Pool{
	New: func() any {
		buf := make([]byte, ResourceChunkSize)
		return &buf
	},
}

// CopyExact copies exactly n bytes from src to dst in chunks of at most
// ResourceChunkSize.  A source that ends early yields
// io.ErrUnexpectedEOF.
func CopyExact(dst io.Writer, src io.Reader, n int64) error {
	buf := resourceBufs.Get().(*[]byte)
	defer resourceBufs.Put(buf)

	copied, err := io.CopyBuffer(dst, io.LimitReader(src, n), *buf)
	if err != nil {
		return err
	}
	if copied != n {
		return fmt.Errorf("copied %d of %d bytes: %w", copied, n, io.ErrUnexpectedEOF)
	}
	return nil
}

// IsHarmless returns true for errors that are expected when the peer
// goes away: EOF, a closed socket, a reset connection or a broken pipe.
// These end one side of a relay and are not worth an error line.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	// net.OpError wrapping "use of closed network connection"
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
