package server_test

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/internal/testhelpers"
)

// startServer runs a hub behind an httptest server. The heartbeat interval is
// long so tests drive liveness cycles explicitly.
func startServer(t *testing.T, mutate ...func(*server.Config)) (*server.Hub, *httptest.Server) {
	t.Helper()

	cfg := server.NewConfig()
	cfg.HeartbeatInterval = time.Hour
	for _, m := range mutate {
		m(&cfg)
	}

	hub := server.NewHub(cfg)
	go hub.Run()

	ts := httptest.NewServer(server.SetupRoutes(hub, server.AssetsFS("")))
	t.Cleanup(func() {
		ts.Close()
		_ = hub.Shutdown(2 * time.Second)
	})
	return hub, ts
}

func waitForClients(t *testing.T, hub *server.Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.Registry().Len() == n
	}, 2*time.Second, 5*time.Millisecond, "expected %d clients", n)
}

// collect reads envelopes from conn in the background so control frames
// (pings) are answered while the test waits.
func collect(conn *websocket.Conn) <-chan testhelpers.Envelope {
	out := make(chan testhelpers.Envelope, 64)
	go func() {
		defer close(out)
		for {
			env, err := testhelpers.ReceiveEnvelope(conn, time.Minute)
			if err != nil {
				return
			}
			out <- env
		}
	}()
	return out
}

func next(t *testing.T, ch <-chan testhelpers.Envelope) testhelpers.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok, "connection closed while waiting for envelope")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return testhelpers.Envelope{}
	}
}

func expectQuiet(t *testing.T, ch <-chan testhelpers.Envelope, wait time.Duration) {
	t.Helper()
	select {
	case env, ok := <-ch:
		if ok {
			t.Fatalf("unexpected envelope %+v", env)
		}
	case <-time.After(wait):
	}
}

// TestChatScenario walks three clients through join, anonymous chat and a
// disconnect.
func TestChatScenario(t *testing.T) {
	hub, ts := startServer(t)
	wsURL := testhelpers.WebSocketURL(ts.URL)

	c1 := testhelpers.MustConnect(t, wsURL)
	c2 := testhelpers.MustConnect(t, wsURL)
	c3 := testhelpers.MustConnect(t, wsURL)
	waitForClients(t, hub, 3)

	in1, in2, in3 := collect(c1), collect(c2), collect(c3)

	require.NoError(t, testhelpers.SendJoin(c1, "Ana"))
	for _, in := range []<-chan testhelpers.Envelope{in1, in2, in3} {
		env := next(t, in)
		assert.Equal(t, "system", env.Type)
		assert.Equal(t, "Ana entered the chat", env.Text)
		assert.NotEmpty(t, env.Time)
	}

	require.NoError(t, testhelpers.SendChat(c2, "oi"))
	for _, in := range []<-chan testhelpers.Envelope{in1, in2, in3} {
		env := next(t, in)
		assert.Equal(t, "message", env.Type)
		assert.Equal(t, server.AnonymousName, env.Name)
		assert.Equal(t, "oi", env.Text)
	}

	require.NoError(t, c3.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	for _, in := range []<-chan testhelpers.Envelope{in1, in2} {
		env := next(t, in)
		assert.Equal(t, "system", env.Type)
		assert.Equal(t, server.LeaverFallbackName+" left the chat", env.Text)
	}
	waitForClients(t, hub, 2)

	expectQuiet(t, in1, 150*time.Millisecond)
	expectQuiet(t, in2, 10*time.Millisecond)
	for env := range in3 {
		assert.NotEqual(t, "system", env.Type, "leaver must not see its own leave notice: %+v", env)
	}
}

func TestLeaveNoticeUsesJoinedName(t *testing.T) {
	hub, ts := startServer(t)
	wsURL := testhelpers.WebSocketURL(ts.URL)

	stay := testhelpers.MustConnect(t, wsURL)
	leave := testhelpers.MustConnect(t, wsURL)
	waitForClients(t, hub, 2)
	in := collect(stay)

	require.NoError(t, testhelpers.SendJoin(leave, "Bia"))
	assert.Equal(t, "Bia entered the chat", next(t, in).Text)

	require.NoError(t, leave.Close())

	env := next(t, in)
	assert.Equal(t, "Bia left the chat", env.Text)
	waitForClients(t, hub, 1)
	expectQuiet(t, in, 150*time.Millisecond)
}

// TestMalformedInputIsInert checks that garbage produces nothing and the
// sender stays connected.
func TestMalformedInputIsInert(t *testing.T) {
	hub, ts := startServer(t)
	wsURL := testhelpers.WebSocketURL(ts.URL)

	sender := testhelpers.MustConnect(t, wsURL)
	other := testhelpers.MustConnect(t, wsURL)
	waitForClients(t, hub, 2)

	require.NoError(t, testhelpers.SendRaw(sender, []byte("{definitely not json")))
	require.NoError(t, testhelpers.SendRaw(sender, []byte(`{"type":"dance"}`)))

	testhelpers.ExpectNoEnvelope(t, other, 200*time.Millisecond)
	assert.Equal(t, 2, hub.Registry().Len())

	in := collect(sender)
	require.NoError(t, testhelpers.SendChat(sender, "still here"))
	assert.Equal(t, "still here", next(t, in).Text)
}

// TestHeartbeatReapsSilentPeer checks that a peer that never answers pings is
// evicted after two cycles with exactly one leave notice.
func TestHeartbeatReapsSilentPeer(t *testing.T) {
	hub, ts := startServer(t)
	wsURL := testhelpers.WebSocketURL(ts.URL)

	alive := testhelpers.MustConnect(t, wsURL)
	waitForClients(t, hub, 1)
	silent := testhelpers.MustConnect(t, wsURL)
	waitForClients(t, hub, 2)

	in := collect(alive)
	require.NoError(t, testhelpers.SendJoin(silent, "Caio"))
	assert.Equal(t, "Caio entered the chat", next(t, in).Text)

	// The silent peer never reads, so its pong is never sent.
	hub.Heartbeat()
	waitForActive(t, hub)
	assert.Equal(t, 2, hub.Registry().Len(), "one missed probe is not enough")

	hub.Heartbeat()
	waitForClients(t, hub, 1)

	env := next(t, in)
	assert.Equal(t, "system", env.Type)
	assert.Equal(t, "Caio left the chat", env.Text)
	expectQuiet(t, in, 200*time.Millisecond)

	waitForActive(t, hub)
	hub.Heartbeat()
	assert.Equal(t, 1, hub.Registry().Len(), "responsive client survives")
}

// waitForActive waits until some client has answered its outstanding ping.
func waitForActive(t *testing.T, hub *server.Hub) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, c := range hub.Registry().Snapshot() {
			if c.State() == server.StateActive {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "reading client should answer the ping")
}

func TestHeartbeatTickerReaps(t *testing.T) {
	hub, ts := startServer(t, func(c *server.Config) { c.HeartbeatInterval = 50 * time.Millisecond })

	testhelpers.MustConnect(t, testhelpers.WebSocketURL(ts.URL))
	waitForClients(t, hub, 1)

	waitForClients(t, hub, 0)
}

func TestConcurrentSenders(t *testing.T) {
	const numClients = 5
	hub, ts := startServer(t)
	wsURL := testhelpers.WebSocketURL(ts.URL)

	conns := make([]*websocket.Conn, numClients)
	inboxes := make([]<-chan testhelpers.Envelope, numClients)
	for i := range conns {
		conns[i] = testhelpers.MustConnect(t, wsURL)
	}
	waitForClients(t, hub, numClients)
	for i := range conns {
		inboxes[i] = collect(conns[i])
	}

	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, testhelpers.SendChat(conns[i], strings.Repeat("x", i+1)))
		}(i)
	}
	wg.Wait()

	for _, in := range inboxes {
		seen := map[string]int{}
		for j := 0; j < numClients; j++ {
			seen[next(t, in).Text]++
		}
		for i := 0; i < numClients; i++ {
			assert.Equal(t, 1, seen[strings.Repeat("x", i+1)])
		}
	}
}

func TestPerConnectionOrder(t *testing.T) {
	hub, ts := startServer(t)
	wsURL := testhelpers.WebSocketURL(ts.URL)

	sender := testhelpers.MustConnect(t, wsURL)
	receiver := testhelpers.MustConnect(t, wsURL)
	waitForClients(t, hub, 2)
	in := collect(receiver)

	texts := []string{"1", "2", "3", "4", "5"}
	for _, text := range texts {
		require.NoError(t, testhelpers.SendChat(sender, text))
	}
	for _, text := range texts {
		assert.Equal(t, text, next(t, in).Text)
	}
}

// TestLeaveNoticeFollowsEarlierFrames sends a join and a run of messages and
// then closes at once. Observers must see every message in order before the
// single leave notice.
func TestLeaveNoticeFollowsEarlierFrames(t *testing.T) {
	const messages = 20

	hub, ts := startServer(t, func(c *server.Config) { c.RateLimitBurst = 100 })
	wsURL := testhelpers.WebSocketURL(ts.URL)

	observer := testhelpers.MustConnect(t, wsURL)
	sender := testhelpers.MustConnect(t, wsURL)
	waitForClients(t, hub, 2)
	in := collect(observer)

	require.NoError(t, testhelpers.SendJoin(sender, "Ana"))
	for i := 1; i <= messages; i++ {
		require.NoError(t, testhelpers.SendChat(sender, strconv.Itoa(i)))
	}
	require.NoError(t, sender.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.NoError(t, sender.Close())

	assert.Equal(t, "Ana entered the chat", next(t, in).Text)
	for i := 1; i <= messages; i++ {
		env := next(t, in)
		assert.Equal(t, "message", env.Type)
		assert.Equal(t, "Ana", env.Name)
		assert.Equal(t, strconv.Itoa(i), env.Text)
	}
	env := next(t, in)
	assert.Equal(t, "system", env.Type)
	assert.Equal(t, "Ana left the chat", env.Text)

	waitForClients(t, hub, 1)
	expectQuiet(t, in, 150*time.Millisecond)
}

func TestRateLimitDropsExcessFrames(t *testing.T) {
	hub, ts := startServer(t, func(c *server.Config) {
		c.RateLimitBurst = 2
		c.RateLimitInterval = time.Hour
	})
	wsURL := testhelpers.WebSocketURL(ts.URL)

	sender := testhelpers.MustConnect(t, wsURL)
	waitForClients(t, hub, 1)
	in := collect(sender)

	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, testhelpers.SendChat(sender, text))
	}

	assert.Equal(t, "a", next(t, in).Text)
	assert.Equal(t, "b", next(t, in).Text)
	expectQuiet(t, in, 200*time.Millisecond)
	assert.Equal(t, 1, hub.Registry().Len(), "rate limited client stays connected")
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	hub, ts := startServer(t, func(c *server.Config) { c.MaxMessageSize = 64 })
	wsURL := testhelpers.WebSocketURL(ts.URL)

	observer := testhelpers.MustConnect(t, wsURL)
	big := testhelpers.MustConnect(t, wsURL)
	waitForClients(t, hub, 2)
	in := collect(observer)

	require.NoError(t, testhelpers.SendChat(big, strings.Repeat("x", 200)))

	assert.Equal(t, server.LeaverFallbackName+" left the chat", next(t, in).Text)
	waitForClients(t, hub, 1)
}

func TestDisallowedOriginRejected(t *testing.T) {
	_, ts := startServer(t, func(c *server.Config) { c.AllowedOrigins = "http://chat.example" })
	wsURL := testhelpers.WebSocketURL(ts.URL)

	_, err := testhelpers.ConnectWebSocket(wsURL, "http://evil.example")
	require.Error(t, err)

	conn, err := testhelpers.ConnectWebSocket(wsURL, "http://chat.example")
	require.NoError(t, err)
	_ = conn.Close()
}

func TestUpgradeOnAnyPath(t *testing.T) {
	hub, ts := startServer(t)

	conn, err := testhelpers.ConnectWebSocket("ws"+strings.TrimPrefix(ts.URL, "http")+"/room/42", "")
	require.NoError(t, err)
	defer conn.Close()
	waitForClients(t, hub, 1)
}

// TestUpgradeMatcherAcceptsMixedCaseHeaders performs a handshake by hand on a
// path outside /ws with a Connection header listing several tokens.
func TestUpgradeMatcherAcceptsMixedCaseHeaders(t *testing.T) {
	hub, ts := startServer(t)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	conn, err := net.Dial("tcp", u.Host)
	require.NoError(t, err)
	defer conn.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/lobby", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Connection", "keep-alive, Upgrade")
	req.Header.Set("Upgrade", "WebSocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	require.NoError(t, req.Write(conn))

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Header.Get("Sec-WebSocket-Accept"))
	waitForClients(t, hub, 1)
}

func TestHTTPRoutes(t *testing.T) {
	_, ts := startServer(t)

	t.Run("health", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/healthz")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	})

	t.Run("metrics", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/metrics")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	})

	t.Run("index", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	})

	t.Run("missing asset", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/nope.css")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("ws without upgrade", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/ws")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("ws wrong method", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodPost, ts.URL+"/ws")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}
