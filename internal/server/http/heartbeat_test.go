package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func (f *fixture) wsURL(token string) string {
	return strings.Replace(f.ts.URL, "http", "ws", 1) + "/v1/ws/heartbeat?token=" + token
}

func (f *fixture) fetchAssignment(t *testing.T, session string) assignmentResp {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/v1/tasks/fetch", session, fetchReq{Project: "plantA"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch: status %d: %s", resp.StatusCode, body)
	}
	var a assignmentResp
	if err := json.Unmarshal(body, &a); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestHeartbeatPingPong(t *testing.T) {
	f := newFixture(t)
	admin := f.initAdmin(t)
	alice := f.addWorker(t, admin, "alice")
	f.ensureUnit(t, 1)
	a := f.fetchAssignment(t, alice)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(a.Token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if string(msg) != "pong" {
		t.Fatalf("expected pong, got %q", msg)
	}

	// The lease is marked connected, so no reclaim deadline is armed.
	deadline := time.Now().Add(2 * time.Second)
	for {
		l, err := f.leases.Lookup(a.Token)
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if l.Connected && l.ReclaimAtMs == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lease never marked connected: %+v", l)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHeartbeatInvalidTokenClosedWith4001(t *testing.T) {
	f := newFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("bogus"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != closeInvalidToken {
		t.Fatalf("expected close code %d, got %d", closeInvalidToken, ce.Code)
	}
}

func TestHeartbeatDisconnectArmsReclaim(t *testing.T) {
	f := newFixture(t)
	admin := f.initAdmin(t)
	alice := f.addWorker(t, admin, "alice")
	f.ensureUnit(t, 1)
	a := f.fetchAssignment(t, alice)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(a.Token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	conn.Close()

	// The server-side disconnect arms the reclaim deadline.
	deadline := time.Now().Add(2 * time.Second)
	for {
		l, err := f.leases.Lookup(a.Token)
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if !l.Connected && l.ReclaimAtMs > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("disconnect never armed the deadline: %+v", l)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHeartbeatEvictedLeaseClosedWith4001(t *testing.T) {
	f := newFixture(t)
	admin := f.initAdmin(t)
	alice := f.addWorker(t, admin, "alice")
	f.ensureUnit(t, 1)
	a := f.fetchAssignment(t, alice)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(a.Token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read pong: %v", err)
	}

	// Tear the lease down behind the connection's back.
	f.leases.Unregister(a.Token)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != closeInvalidToken {
		t.Fatalf("expected close code %d, got %d", closeInvalidToken, ce.Code)
	}
}
