package fileutil

import (
	"io"
	"os"
)

// RetryWrite loops on short writes and only gives up on a hard error,
// implementing retry_write from spec §4.A.
func RetryWrite(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Write(buf[total:])
		total += n
		if err != nil {
			if n == 0 && err == io.ErrShortWrite {
				continue
			}
			return total, err
		}
		if n == 0 {
			// Should not happen without an error, but avoid spinning
			// forever if the underlying Writer misbehaves.
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// RetryWritev writes each buffer in turn with RetryWrite, implementing
// retry_writev; it does not attempt a real writev(2) syscall since the
// contract only requires "loops on partial writes", not vectored I/O.
func RetryWritev(f *os.File, bufs [][]byte) (int64, error) {
	var total int64
	for _, buf := range bufs {
		n, err := RetryWrite(f, buf)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
