package dispatch

import (
	"bufio"
	"io"
	"net"
	"strings"
	"time"
)

const maxLineBytes = 64 * 1024

// TCPConn carries newline-terminated lines over a stream connection.
type TCPConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	*outbox
}

func NewTCPConn(conn net.Conn, queueSize int, writeTimeout time.Duration) *TCPConn {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	c := &TCPConn{conn: conn, scanner: sc}
	c.outbox = newOutbox(queueSize, func(line string) error {
		if writeTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		_, err := io.WriteString(conn, line+"\n")
		return err
	}, conn.Close)
	return c
}

// ReadLine blocks for the next line. A clean peer close returns io.EOF.
func (c *TCPConn) ReadLine() (string, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimRight(c.scanner.Text(), "\r"), nil
}

func (c *TCPConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }
