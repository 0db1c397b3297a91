package uplink

import (
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketConn carries mesh frames as binary websocket messages.
type WebsocketConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWebsocketConn wraps an established websocket.
func NewWebsocketConn(conn *websocket.Conn, writeTimeout time.Duration) *WebsocketConn {
	return &WebsocketConn{conn: conn, writeTimeout: writeTimeout}
}

// ReadFrame returns the next binary message. Text messages are skipped.
func (c *WebsocketConn) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return data, nil
		}
		log.Debugf("Ignoring non-binary message from %s", c.conn.RemoteAddr())
	}
}

func (c *WebsocketConn) WriteFrame(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a close frame and closes the socket.
func (c *WebsocketConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *WebsocketConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
