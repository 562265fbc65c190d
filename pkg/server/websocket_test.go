package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoWebSocket serves a handler that reads frames through WebSocketConn
// and echoes each decoded message back
func echoWebSocket(t *testing.T) *websocket.Conn {
	t.Helper()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWebSocketConn(ws)
		defer conn.Close()
		for {
			msg, err := protocol.ReadMessage(conn)
			if err != nil {
				return
			}
			if err := protocol.WriteMessage(conn, msg); err != nil {
				return
			}
		}
	})

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestWebSocketConnOneFramePerMessage(t *testing.T) {
	ws := echoWebSocket(t)

	data, err := protocol.EncodeMessage(protocol.Message{Kind: protocol.KindChat, Sender: "a", Target: "ALL", Body: "x|y"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, data))

	kind, reply, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, data, reply)
}

func TestWebSocketConnSkipsEmptyMessages(t *testing.T) {
	ws := echoWebSocket(t)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, nil))

	data, err := protocol.EncodeMessage(protocol.Message{Kind: protocol.KindConnect, Sender: "alice"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, data))

	_, reply, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, data, reply)
}

func TestWebSocketConnRejectsText(t *testing.T) {
	ws := echoWebSocket(t)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("CONNECT|alice||")))

	// The handler gives up on the connection
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}
