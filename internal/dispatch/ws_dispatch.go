package dispatch

import (
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn carries the line protocol over a websocket: one text frame per line.
type WSConn struct {
	conn *websocket.Conn
	*outbox
}

func NewWSConn(conn *websocket.Conn, queueSize int, writeTimeout time.Duration) *WSConn {
	conn.SetReadLimit(maxLineBytes)
	c := &WSConn{conn: conn}
	c.outbox = newOutbox(queueSize, func(line string) error {
		if writeTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		return conn.WriteMessage(websocket.TextMessage, []byte(line))
	}, func() error {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return conn.Close()
	})
	return c
}

func (c *WSConn) ReadLine() (string, error) {
	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if kind != websocket.TextMessage {
			continue
		}
		return strings.TrimRight(string(msg), "\r\n"), nil
	}
}

func (c *WSConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }
