package transport

import (
	"context"
	"crypto/tls"
	"io"

	"github.com/gorilla/websocket"
)

// WebsocketDialer connects to the platform's secure websocket endpoint.
// Frames are text messages carrying the same JSON-RPC payloads as the raw
// socket.
type WebsocketDialer struct {
	URL       string
	TLSConfig *tls.Config
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{TLSClientConfig: d.TLSConfig}
	ws, _, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

// wsConn adapts the message-oriented websocket to the byte-stream Conn the
// session reads with a JSON decoder.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
