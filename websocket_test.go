package httpgate

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsEchoBackend() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			if werr := conn.WriteMessage(mt, msg); werr != nil {
				return
			}
		}
	}))
}

func Test_Tunnel_WebSocketEcho(t *testing.T) {
	defer leaktest.Check(t)()
	backend := wsEchoBackend()
	defer backend.Close()

	tg := newTestGateway(staticRoute("ws", "", "/", backendAddr(backend)))
	defer tg.close()

	wsURL := "ws://" + strings.TrimPrefix(tg.srv.URL, "http://") + "/socket"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	for _, msg := range []string{"first", "second", "third"} {
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		_, got, rerr := conn.ReadMessage()
		assert.NoError(t, rerr)
		assert.Equal(t, msg, string(got))
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	assert.Eventually(t, func() bool {
		events := tg.sink.requestEvents()
		return len(events) == 1 &&
			events[0].Status == http.StatusSwitchingProtocols &&
			events[0].Outcome == OutcomeSuccess
	}, time.Second, 10*time.Millisecond)
}

func Test_Tunnel_UpstreamDeclinesUpgrade(t *testing.T) {
	defer leaktest.Check(t)()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no upgrades here", http.StatusForbidden)
	}))
	defer backend.Close()

	tg := newTestGateway(staticRoute("ws", "", "/", backendAddr(backend)))
	defer tg.close()

	wsURL := "ws://" + strings.TrimPrefix(tg.srv.URL, "http://") + "/socket"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Error(t, err)
	assert.Nil(t, conn)
	assert.NotNil(t, resp)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp.Body.Close()
	}
}

func Test_Tunnel_NoUpstream(t *testing.T) {
	defer leaktest.Check(t)()
	tg := newTestGateway(staticRoute("ws", "", "/", deadAddr(t)))
	defer tg.close()

	wsURL := "ws://" + strings.TrimPrefix(tg.srv.URL, "http://") + "/socket"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Error(t, err)
	assert.Nil(t, conn)
	if resp != nil {
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		resp.Body.Close()
	}
}

func Test_Tunnel_ConnectionNotReused(t *testing.T) {
	defer leaktest.Check(t)()
	backend := wsEchoBackend()
	defer backend.Close()

	tg := newTestGateway(staticRoute("ws", "", "/", backendAddr(backend)))
	defer tg.close()

	wsURL := "ws://" + strings.TrimPrefix(tg.srv.URL, "http://") + "/socket"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	conn.Close()

	addr := backendAddr(backend)
	assert.Eventually(t, func() bool {
		return tg.fw.Pools.InUse(addr) == 0
	}, time.Second, 10*time.Millisecond)
}
