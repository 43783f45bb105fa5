// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package devdctl

import (
	"io"

	"github.com/stratastor/zfsd/pkg/errors"
	"golang.org/x/sys/unix"
)

// Conn is a non-blocking stream connection to the devd control socket.
// It deliberately bypasses net.Conn: the daemon waits on the raw
// descriptor with poll(2) alongside its self-pipe.
type Conn struct {
	fd   int
	path string
}

// Dial connects to the stream socket at path.
func Dial(path string) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, errors.DevdConnectFailed).
			WithMetadata("socket", path)
	}
	unix.CloseOnExec(fd)

	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, errors.DevdConnectFailed).
			WithMetadata("socket", path)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, errors.DevdConnectFailed).
			WithMetadata("socket", path)
	}

	return &Conn{fd: fd, path: path}, nil
}

// Fd returns the descriptor for use with poll(2).
func (c *Conn) Fd() int {
	return c.fd
}

// Path returns the socket path the connection was dialed to.
func (c *Conn) Path() string {
	return c.path
}

// Read implements io.Reader with ErrWouldBlock for an empty socket and
// io.EOF for a closed peer.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Read(c.fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR:
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

// Pending reports whether bytes are waiting to be read.
func (c *Conn) Pending() (bool, error) {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, errors.Wrap(err, errors.DevdPollFailed)
		}
		return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
	}
}

// Flush discards every byte currently queued on the socket.
func (c *Conn) Flush() error {
	var scratch [MaxEventSize]byte
	for {
		_, err := c.Read(scratch[:])
		if err == ErrWouldBlock {
			return nil
		}
		if err != nil {
			if err == io.EOF {
				return errors.New(errors.DevdConnectionClosed, "peer closed the event socket")
			}
			return errors.Wrap(err, errors.DevdReadFailed)
		}
	}
}

// Close releases the descriptor. It is safe to call more than once.
func (c *Conn) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
