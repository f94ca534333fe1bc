//go:build unix

package urp

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ServeStdio relocates this process's own stdin/stdout aside and returns
// an io.ReadWriteCloser bound to the original file descriptors, for an
// embedded Server to speak the protocol on. After this call, os.Stdin
// reads as an empty /dev/null and anything written to os.Stdout goes to
// this process's stderr instead, so library and application code can go on
// using them for ordinary text I/O without colliding with the binary
// protocol stream. This mirrors _make_stdio_binary in the reference
// framework.
func ServeStdio() (io.ReadWriteCloser, error) {
	origIn, err := unix.Dup(int(os.Stdin.Fd()))
	if err != nil {
		return nil, errors.Wrap(err, "urp: dup stdin")
	}
	origOut, err := unix.Dup(int(os.Stdout.Fd()))
	if err != nil {
		return nil, errors.Wrap(err, "urp: dup stdout")
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrap(err, "urp: open devnull")
	}
	if err := unix.Dup2(int(devNull.Fd()), int(os.Stdin.Fd())); err != nil {
		devNull.Close()
		return nil, errors.Wrap(err, "urp: relocate stdin")
	}
	devNull.Close()

	if err := unix.Dup2(int(os.Stderr.Fd()), int(os.Stdout.Fd())); err != nil {
		return nil, errors.Wrap(err, "urp: relocate stdout")
	}

	return &stdioPipe{
		ReadCloser:  os.NewFile(uintptr(origIn), "urp-stdin"),
		WriteCloser: os.NewFile(uintptr(origOut), "urp-stdout"),
	}, nil
}
