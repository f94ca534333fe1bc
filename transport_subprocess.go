package urp

import (
	"io"
	"os/exec"

	"github.com/pkg/errors"
)

// stdioPipe adapts a pair of independently-closable streams (a
// subprocess's stdout/stdin, or a process's own relocated stdio) into the
// single io.ReadWriteCloser NewClient and NewServer expect.
type stdioPipe struct {
	io.ReadCloser
	io.WriteCloser
}

func (p *stdioPipe) Close() error {
	werr := p.WriteCloser.Close()
	rerr := p.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// SpawnClient starts cmd as a subprocess and returns a Client speaking the
// protocol over its stdin/stdout, mirroring ClientSubprocessProtocol. If
// onStderr is non-nil, it is called with each chunk of the subprocess's
// stderr as it arrives; the reference client instead writes stderr
// straight through to its own stderr, which callers can reproduce by
// passing an onStderr that does os.Stderr.Write.
func SpawnClient(cmd *exec.Cmd, onStderr func(chunk []byte), opts ...ClientOption) (*Client, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "urp: subprocess stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "urp: subprocess stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "urp: subprocess stderr")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "urp: subprocess start")
	}

	go streamStderr(stderr, onStderr)

	return NewClient(&stdioPipe{ReadCloser: stdout, WriteCloser: stdin}, opts...), nil
}

func streamStderr(r io.ReadCloser, onStderr func([]byte)) {
	defer r.Close()

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 && onStderr != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onStderr(chunk)
		}
		if err != nil {
			return
		}
	}
}
