// Package transport wraps a raw TCP connection with line-oriented
// read/write and the deadlines needed to eventually give up on a peer
// that stops talking.
package transport

import (
	"bufio"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/enthyp/chatbox/internal/wire"
)

// Conn is a connection to a client or to a peer server.
type Conn struct {
	conn net.Conn
	rw   *bufio.ReadWriter

	// ioWait bounds how long we'll wait on a read or write before giving up
	// on the peer.
	ioWait time.Duration
}

// NewConn wraps an already-accepted or already-dialed connection.
func NewConn(conn net.Conn, ioWait time.Duration) Conn {
	return Conn{
		conn:   conn,
		rw:     bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		ioWait: ioWait,
	}
}

// RemoteAddr returns the remote network address.
func (c Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c Conn) Close() error {
	return c.conn.Close()
}

// ReadLine reads a single LF-terminated line, without the trailing newline.
func (c Conn) ReadLine() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.ioWait)); err != nil {
		return "", errors.Wrap(err, "unable to set read deadline")
	}

	line, err := c.rw.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimRight(line, "\r\n"), nil
}

// WriteLine writes a single line, appending the LF the protocol requires.
func (c Conn) WriteLine(s string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ioWait)); err != nil {
		return errors.Wrap(err, "unable to set write deadline")
	}

	if _, err := c.rw.WriteString(s + "\n"); err != nil {
		return errors.Wrap(err, "write error")
	}

	if err := c.rw.Flush(); err != nil {
		return errors.Wrap(err, "flush error")
	}

	return nil
}

// WriteMessage encodes and writes a single protocol message.
func (c Conn) WriteMessage(m wire.Message) error {
	return c.WriteLine(m.Encode())
}
