package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/peterje/consolebridge/internal/console"
	"github.com/peterje/consolebridge/internal/consoletest"
	"github.com/peterje/consolebridge/internal/session"
	"github.com/peterje/consolebridge/internal/ws"
)

func TestMain(m *testing.M) {
	consoletest.MaybeRun()
	os.Exit(m.Run())
}

type control struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func setup(t *testing.T, origins ...string) (*session.Manager, *httptest.Server) {
	t.Helper()
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	m := session.NewManager(console.NewLauncher(consoletest.Config(t, consoletest.ModeAPI)))
	t.Cleanup(m.CloseAll)

	r := chi.NewRouter()
	r.Get("/ws/sessions/{id}", ws.NewHandler(m, origins).ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return m, srv
}

func dial(t *testing.T, srv *httptest.Server, id string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + id
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func openSession(t *testing.T, m *session.Manager) string {
	t.Helper()
	d, err := m.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d.ID
}

// readOutput reads binary frames until their concatenation contains want.
// Text frames are returned separately.
func readOutput(t *testing.T, conn *websocket.Conn, want string) []control {
	t.Helper()
	var out strings.Builder
	var controls []control
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for !strings.Contains(out.String(), want) {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v (output so far %q)", err, out.String())
		}
		if msgType == websocket.TextMessage {
			var c control
			if err := json.Unmarshal(data, &c); err != nil {
				t.Fatalf("decode control %q: %v", data, err)
			}
			controls = append(controls, c)
			continue
		}
		out.Write(data)
	}
	return controls
}

func readControl(t *testing.T, conn *websocket.Conn) control {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var c control
		if err := json.Unmarshal(data, &c); err != nil {
			t.Fatalf("decode control %q: %v", data, err)
		}
		return c
	}
}

func TestInputAndOutput(t *testing.T) {
	m, srv := setup(t)
	id := openSession(t, m)
	conn := dial(t, srv, id, nil)

	msg, _ := json.Marshal(map[string]string{"session": id, "input": "status director"})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatal(err)
	}
	readOutput(t, conn, "status director\n")

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("list pools\n")); err != nil {
		t.Fatal(err)
	}
	readOutput(t, conn, "list pools\n")
}

func TestInputForOtherSessionIsRejected(t *testing.T) {
	m, srv := setup(t)
	id := openSession(t, m)
	conn := dial(t, srv, id, nil)

	msg, _ := json.Marshal(map[string]string{"session": "someone-else", "input": "status director"})
	conn.WriteMessage(websocket.TextMessage, msg)
	if c := readControl(t, conn); c.Type != "error" {
		t.Errorf("control = %+v, want error", c)
	}

	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	if c := readControl(t, conn); c.Type != "error" {
		t.Errorf("control = %+v, want error", c)
	}
}

func TestSessionCloseReachesClient(t *testing.T) {
	m, srv := setup(t)
	id := openSession(t, m)
	conn := dial(t, srv, id, nil)

	deadline := time.Now().Add(5 * time.Second)
	for {
		d, err := m.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if d.Listeners == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("listener never attached")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := m.Close(id); err != nil {
		t.Fatalf("Close: %v", err)
	}
	c := readControl(t, conn)
	if c.Type != "closed" || c.Reason != "closed" {
		t.Errorf("control = %+v, want closed/closed", c)
	}
}

func TestConsoleExitReachesClient(t *testing.T) {
	m, srv := setup(t)
	id := openSession(t, m)
	conn := dial(t, srv, id, nil)

	conn.WriteMessage(websocket.BinaryMessage, []byte("crash\n"))
	c := readControl(t, conn)
	if c.Type != "closed" || c.Reason != "exited" {
		t.Errorf("control = %+v, want closed/exited", c)
	}
}

func TestDialUnknownSession(t *testing.T) {
	_, srv := setup(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial succeeded for unknown session")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resp = %v, want 404", resp)
	}
}

func TestOriginCheck(t *testing.T) {
	m, srv := setup(t, "https://admin.example")
	id := openSession(t, m)

	dial(t, srv, id, http.Header{"Origin": {"https://admin.example"}})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + id
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("Dial succeeded from a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %v, want 403", resp)
	}
}
