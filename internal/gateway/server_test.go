package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/loqui-ai/loqui/pkg/asr/mock"
)

func dialTest(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) serverStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	var st serverStatus
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}

func sendConfig(t *testing.T, conn *websocket.Conn, uid string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cfg := `{"uid":"` + uid + `","platform":"google_meet","token":"tok","meeting_id":42}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(cfg)); err != nil {
		t.Fatalf("send config: %v", err)
	}
}

func TestServer_Handshake(t *testing.T) {
	pub := &recordingPublisher{}
	srv := New(&mock.Backend{}, pub)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dialTest(t, ts.URL)
	sendConfig(t, conn, "u1")

	st := readStatus(t, conn)
	if st.Status != "SERVER_READY" {
		t.Fatalf("status = %q, want SERVER_READY", st.Status)
	}
	if st.UID != "u1" {
		t.Errorf("uid = %q, want u1", st.UID)
	}
	if st.Backend != "mock" {
		t.Errorf("backend = %q, want mock", st.Backend)
	}
}

func TestServer_InvalidConfigRejected(t *testing.T) {
	pub := &recordingPublisher{}
	srv := New(&mock.Backend{}, pub)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dialTest(t, ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"uid":"u1"}`)); err != nil {
		t.Fatalf("send config: %v", err)
	}

	st := readStatus(t, conn)
	if st.Status != "ERROR" {
		t.Fatalf("status = %q, want ERROR", st.Status)
	}
}

func TestServer_FullServerSendsWait(t *testing.T) {
	pub := &recordingPublisher{}
	srv := New(&mock.Backend{}, pub, WithMaxClients(1))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	first := dialTest(t, ts.URL)
	sendConfig(t, first, "u1")
	if st := readStatus(t, first); st.Status != "SERVER_READY" {
		t.Fatalf("first client status = %q", st.Status)
	}

	second := dialTest(t, ts.URL)
	sendConfig(t, second, "u2")
	st := readStatus(t, second)
	if st.Status != "WAIT" {
		t.Fatalf("second client status = %q, want WAIT", st.Status)
	}
	minutes, ok := st.Message.(float64)
	if !ok {
		t.Fatalf("WAIT message = %v (%T), want minutes as number", st.Message, st.Message)
	}
	if minutes <= 0 || minutes > 10 {
		t.Errorf("wait minutes = %v, want within (0, 10]", minutes)
	}
}
