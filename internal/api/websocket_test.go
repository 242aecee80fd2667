package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mediaposte/server/internal/session"
	"github.com/mediaposte/server/internal/testutil"
)

func TestNegotiateVersion(t *testing.T) {
	tests := []struct {
		requested string
		want      string
	}{
		{"", ProtocolVersion1},
		{ProtocolVersion1, ProtocolVersion1},
		{"mediaposte-v9, " + ProtocolVersion1, ProtocolVersion1},
		{"mediaposte-v9", ""},
	}
	for _, tt := range tests {
		if got := negotiateVersion(tt.requested); got != tt.want {
			t.Errorf("negotiateVersion(%q) = %q, want %q", tt.requested, got, tt.want)
		}
	}
}

func dialStream(t *testing.T, ts *testServer, id, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/" + id + "/ws?token=" + token
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", ProtocolVersion1)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial() error = %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventStream_ForwardsNotices(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "host-a", hostKeyA)
	id := ts.createSession(t, token).ID
	conn := dialStream(t, ts, id, token)

	rr := ts.do(t, token, http.MethodPost, "/api/v1/sessions/"+id+"/clear", map[string]string{"scope": "all"})
	testutil.ExpectStatus(t, rr, http.StatusOK)

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	var ev session.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ev.Type != session.EventNotice || ev.Notice == nil || ev.Notice.Message != "Selection cleared" {
		t.Errorf("event = %+v", ev)
	}

	if err := conn.WriteJSON(WebSocketMessage{Type: "ping", ID: "p1"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var pong WebSocketMessage
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("ReadJSON(pong) error = %v", err)
	}
	if pong.Type != "pong" || pong.ID != "p1" {
		t.Errorf("pong = %+v", pong)
	}

	if err := conn.WriteJSON(WebSocketMessage{Type: "teleport", ID: "x"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var wsErr WebSocketError
	if err := conn.ReadJSON(&wsErr); err != nil {
		t.Fatalf("ReadJSON(error) error = %v", err)
	}
	if wsErr.Code != "UnknownMessageType" {
		t.Errorf("error = %+v", wsErr)
	}
}

func TestEventStream_ClosesWithSession(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "host-a", hostKeyA)
	id := ts.createSession(t, token).ID
	conn := dialStream(t, ts, id, token)

	rr := ts.do(t, token, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	testutil.ExpectStatus(t, rr, http.StatusNoContent)

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Errorf("read error = %v, want going-away close", err)
			}
			return
		}
	}
}

func TestEventStream_Rejects(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "host-a", hostKeyA)
	id := ts.createSession(t, token).ID

	tests := []struct {
		name       string
		query      string
		protocol   string
		wantStatus int
	}{
		{"missing token", "", "", http.StatusUnauthorized},
		{"invalid token", "?token=nope", "", http.StatusUnauthorized},
		{"unsupported version", "?token=" + token, "mediaposte-v99", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+id+"/ws"+tt.query, nil)
			req.Header.Set("Upgrade", "websocket")
			req.Header.Set("Connection", "Upgrade")
			if tt.protocol != "" {
				req.Header.Set("Sec-WebSocket-Protocol", tt.protocol)
			}
			rr := httptest.NewRecorder()
			ts.Config.Handler.ServeHTTP(rr, req)
			testutil.ExpectStatus(t, rr, tt.wantStatus)
		})
	}
}
