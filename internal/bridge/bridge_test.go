package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/blelink/internal/ble"
)

type fakeLink struct {
	mu     sync.Mutex
	state  ble.ConnectionState
	sent   [][]byte
	states chan ble.ConnectionState
	msgs   chan inbound
}

type inbound struct {
	msg []byte
	err error
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		state:  ble.ConnectionState{Phase: ble.PhaseReady},
		states: make(chan ble.ConnectionState),
		msgs:   make(chan inbound),
	}
}

func (f *fakeLink) State() ble.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeLink) States(ctx context.Context) iter.Seq[ble.ConnectionState] {
	return func(yield func(ble.ConnectionState) bool) {
		if !yield(f.State()) {
			return
		}
		for {
			select {
			case st := <-f.states:
				if !yield(st) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *fakeLink) Bond() ble.BondState { return ble.Bonded }
func (f *fakeLink) MTU() int            { return 185 }
func (f *fakeLink) Pending() int        { return 2 }

func (f *fakeLink) SendMessage(_ context.Context, msg []byte) error {
	if string(msg) == "fail" {
		return &ble.OpError{Kind: ble.KindTimeout, Op: "write"}
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) Messages(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			select {
			case in := <-f.msgs:
				if !yield(in.msg, in.err) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *fakeLink) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = string(m)
	}
	return out
}

func newTestServer(t *testing.T, link Link) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(link, nil))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, newFakeLink())

	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got Status
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Status{
		State:   StateEvent{Phase: "ready", Connected: true, Ready: true},
		Bond:    "bonded",
		MTU:     185,
		Pending: 2,
	}
	if got != want {
		t.Errorf("status = %+v, want %+v", got, want)
	}
}

func TestStatusRejectsPost(t *testing.T) {
	srv := newTestServer(t, newFakeLink())

	resp, err := http.Post(srv.URL+"/v1/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status code = %d, want 405", resp.StatusCode)
	}
}

func TestStateStream(t *testing.T) {
	link := newFakeLink()
	srv := newTestServer(t, link)
	conn := dial(t, srv, "/v1/state")

	var ev StateEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read current state: %v", err)
	}
	if ev.Phase != "ready" || !ev.Ready {
		t.Errorf("first event = %+v, want ready", ev)
	}

	link.states <- ble.Disconnected(ble.ReasonLinkLoss)
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read transition: %v", err)
	}
	want := StateEvent{Phase: "disconnected", Reason: "link loss"}
	if ev != want {
		t.Errorf("event = %+v, want %+v", ev, want)
	}
}

func TestMessageStreamDeliversInbound(t *testing.T) {
	link := newFakeLink()
	srv := newTestServer(t, link)
	conn := dial(t, srv, "/v1/messages")

	link.msgs <- inbound{msg: []byte("hello from peer")}

	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Errorf("message type = %d, want binary", mt)
	}
	if string(data) != "hello from peer" {
		t.Errorf("data = %q", data)
	}
}

func TestMessageStreamReportsIntegrityErrors(t *testing.T) {
	link := newFakeLink()
	srv := newTestServer(t, link)
	conn := dial(t, srv, "/v1/messages")

	link.msgs <- inbound{err: &ble.OpError{Kind: ble.KindIntegrity, Op: "receive", Err: errors.New("length mismatch")}}
	link.msgs <- inbound{msg: []byte("next")}

	var me messageError
	if err := conn.ReadJSON(&me); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if me.Kind != "protocol integrity" {
		t.Errorf("kind = %q", me.Kind)
	}
	if !strings.Contains(me.Error, "length mismatch") {
		t.Errorf("error = %q", me.Error)
	}

	// The stream survives a broken message.
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "next" {
		t.Errorf("data = %q, want %q", data, "next")
	}
}

func TestMessageStreamSends(t *testing.T) {
	link := newFakeLink()
	srv := newTestServer(t, link)
	conn := dial(t, srv, "/v1/messages")

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("to peer")); err != nil {
		t.Fatal(err)
	}
	var res sendResult
	if err := conn.ReadJSON(&res); err != nil {
		t.Fatalf("read result: %v", err)
	}
	if !res.OK || res.Bytes != 7 || res.Error != "" {
		t.Errorf("result = %+v", res)
	}
	if got := link.sentMessages(); len(got) != 1 || got[0] != "to peer" {
		t.Errorf("sent = %q", got)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("fail")); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&res); err != nil {
		t.Fatalf("read result: %v", err)
	}
	if res.OK || !strings.Contains(res.Error, "timeout") {
		t.Errorf("result = %+v, want failure", res)
	}
}

func TestMessageStreamIgnoresTextFrames(t *testing.T) {
	link := newFakeLink()
	srv := newTestServer(t, link)
	conn := dial(t, srv, "/v1/messages")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ignored")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("sent")); err != nil {
		t.Fatal(err)
	}
	var res sendResult
	if err := conn.ReadJSON(&res); err != nil {
		t.Fatalf("read result: %v", err)
	}
	if res.Bytes != 4 {
		t.Errorf("result = %+v, want the binary frame's", res)
	}
	if got := link.sentMessages(); len(got) != 1 || got[0] != "sent" {
		t.Errorf("sent = %q", got)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, newFakeLink(), nil) }()

	url := "ws://" + ln.Addr().String() + "/v1/state"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	var ev StateEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}

	// The open stream ends with the server.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("stream still open after shutdown")
	}
}

func TestRunBadAddress(t *testing.T) {
	if err := Run(context.Background(), "not-an-address", newFakeLink(), nil); err == nil {
		t.Error("Run() should fail on a bad listen address")
	}
}
