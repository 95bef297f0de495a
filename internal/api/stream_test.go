package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"crewroute/internal/model"
)

func TestEventsStreamUntilTerminal(t *testing.T) {
	e := newTestEnv(t, true)
	ts := httptest.NewServer(e.handler)
	defer ts.Close()
	resp := e.submit(t, "c1", "c2")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/route-plans/"+resp.JobID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice:viewer")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	var states []model.JobState
	sc := bufio.NewScanner(res.Body)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var st model.JobStatus
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st))
		states = append(states, st.State)
	}
	// the server closes the stream after the terminal status
	require.NotEmpty(t, states)
	require.Equal(t, model.JobCompleted, states[len(states)-1])
	for _, s := range states[:len(states)-1] {
		require.False(t, s.Terminal())
	}
}

func TestEventsStreamRejectsOtherOwner(t *testing.T) {
	e := newTestEnv(t, false)
	resp := e.submit(t, "c1")
	rr := e.do(t, http.MethodGet, "/v1/route-plans/"+resp.JobID+"/events", "bob:admin", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var m wsMessage
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestWebSocketFollowsJob(t *testing.T) {
	e := newTestEnv(t, true)
	ts := httptest.NewServer(e.handler)
	defer ts.Close()
	resp := e.submit(t, "c1", "c2")

	conn := dialWS(t, ts, "alice:viewer")
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "ping"}))
	require.Equal(t, "pong", readWS(t, conn).Type)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", JobID: resp.JobID}))
	var last model.JobState
	for {
		m := readWS(t, conn)
		if m.Type == "complete" {
			break
		}
		require.Equal(t, "status", m.Type)
		require.Equal(t, resp.JobID, m.JobID)
		require.NotNil(t, m.Status)
		last = m.Status.State
	}
	require.Equal(t, model.JobCompleted, last)
}

func TestWebSocketSubscribeErrors(t *testing.T) {
	e := newTestEnv(t, false)
	ts := httptest.NewServer(e.handler)
	defer ts.Close()
	resp := e.submit(t, "c1")

	conn := dialWS(t, ts, "bob:viewer")
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", JobID: resp.JobID}))
	m := readWS(t, conn)
	require.Equal(t, "error", m.Type)
	require.Equal(t, resp.JobID, m.JobID)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe"}))
	require.Equal(t, "error", readWS(t, conn).Type)
}

func TestWebSocketRequiresToken(t *testing.T) {
	e := newTestEnv(t, false)
	ts := httptest.NewServer(e.handler)
	defer ts.Close()
	_, res, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/ws", nil)
	require.Error(t, err)
	require.NotNil(t, res)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}
