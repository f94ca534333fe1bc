package urp

import (
	"context"
	"net"
	"os"

	"github.com/pkg/errors"
)

// ServeFunc is called once per accepted connection with the raw
// transport; a typical implementation wraps conn in NewServer and calls
// Run.
type ServeFunc func(conn net.Conn)

// ListenTCP accepts connections on a TCP address, calling serve for each
// one on its own goroutine, until ctx is cancelled.
func ListenTCP(ctx context.Context, addr string, serve ServeFunc) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, "urp: listen tcp")
	}
	return serveListener(ctx, ln, serve)
}

// ListenUnix accepts connections on a Unix domain socket, calling serve
// for each one on its own goroutine, until ctx is cancelled.
func ListenUnix(ctx context.Context, socketPath string, serve ServeFunc) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", socketPath)
	if err != nil {
		return errors.Wrap(err, "urp: listen unix")
	}
	return serveListener(ctx, ln, serve)
}

// ListenInheritedSocket accepts connections on a listening socket inherited
// by file descriptor, e.g. one passed down by a supervisor doing socket
// activation, the same way ListenTCP and ListenUnix do for sockets this
// process created itself.
func ListenInheritedSocket(ctx context.Context, fd uintptr, serve ServeFunc) error {
	f := os.NewFile(fd, "urp-inherited-listener")
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return errors.Wrap(err, "urp: listen inherited socket")
	}
	return serveListener(ctx, ln, serve)
}

func serveListener(ctx context.Context, ln net.Listener, serve ServeFunc) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "urp: accept")
		}
		go serve(conn)
	}
}

// ServeInheritedSocket serves a single already-connected socket inherited
// by file descriptor, as used when a supervisor accepts on this process's
// behalf and hands it one live connection per worker.
func ServeInheritedSocket(fd uintptr, serve ServeFunc) error {
	f := os.NewFile(fd, "urp-inherited-conn")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return errors.Wrap(err, "urp: serve inherited socket")
	}
	serve(conn)
	return nil
}

// Dial connects to a listener over the given network ("tcp" or "unix")
// and returns the raw connection, ready to be passed to NewClient.
func Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errors.Wrap(err, "urp: dial")
	}
	return conn, nil
}
