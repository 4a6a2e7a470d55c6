package main

import (
	"github.com/gorilla/websocket"

	"atprouter/internal/ingress"
)

// wsConn adapts a *websocket.Conn to the ingress.Conn surface the decoder
// needs, translating gorilla's message-type ints into ingress.MessageKind.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadMessage() (ingress.MessageKind, []byte, error) {
	mt, data, err := w.conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	if mt == websocket.BinaryMessage {
		return ingress.KindBinary, data, nil
	}
	return ingress.KindText, data, nil
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
