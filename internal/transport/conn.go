package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// ErrClosed is returned by reads and writes on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Handler serves one accepted connection until it ends. remoteHost is the
// peer's address without the port.
type Handler func(ctx context.Context, conn io.ReadWriteCloser, remoteHost string) error

// msgConn turns a message-oriented stream into a byte stream. It supports
// one concurrent reader and one concurrent writer.
type msgConn struct {
	send    func([]byte) error
	onClose func() error

	in     chan []byte
	err    error // set by pump before in is closed
	buf    []byte
	closed chan struct{}
	once   sync.Once
}

func newMsgConn(recv func() ([]byte, error), send func([]byte) error, onClose func() error) *msgConn {
	c := &msgConn{
		send:    send,
		onClose: onClose,
		in:      make(chan []byte),
		closed:  make(chan struct{}),
	}
	go c.pump(recv)
	return c
}

// pump moves inbound messages to Read. It exits when the underlying stream
// fails or the connection is closed.
func (c *msgConn) pump(recv func() ([]byte, error)) {
	defer close(c.in)
	for {
		msg, err := recv()
		if err != nil {
			c.err = err
			return
		}
		if len(msg) == 0 {
			continue
		}
		select {
		case c.in <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *msgConn) Read(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrClosed
	default:
	}
	for len(c.buf) == 0 {
		select {
		case <-c.closed:
			return 0, ErrClosed
		case msg, ok := <-c.in:
			if !ok {
				if c.err == nil || errors.Is(c.err, io.EOF) {
					return 0, io.EOF
				}
				return 0, c.err
			}
			c.buf = msg
		}
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *msgConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrClosed
	default:
	}
	if err := c.send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close is idempotent.
func (c *msgConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			err = c.onClose()
		}
	})
	return err
}

// hostOnly strips the port from addr when it has one.
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
