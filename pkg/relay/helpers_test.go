package relay

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/collab/pkg/crdt"
	"github.com/vango-dev/collab/pkg/metrics"
	"github.com/vango-dev/collab/pkg/protocol"
	"github.com/vango-dev/collab/pkg/store"
)

const testTimeout = 2 * time.Second

type testRelay struct {
	server   *Server
	http     *httptest.Server
	store    *store.MemoryStore
	registry *prometheus.Registry
}

func newTestRelay(t *testing.T, configure func(*ServerConfig)) *testRelay {
	t.Helper()
	reg := prometheus.NewRegistry()
	st := store.NewMemoryStore()

	cfg := DefaultServerConfig()
	cfg.Store = st
	cfg.Metrics = metrics.New(metrics.WithRegistry(reg))
	cfg.Gatherer = reg
	cfg.PingInterval = 0
	if configure != nil {
		configure(cfg)
	}

	srv := New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.hub.Close()
		ts.Close()
	})
	return &testRelay{server: srv, http: ts, store: st, registry: reg}
}

func (tr *testRelay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(tr.http.URL, "http") + path
}

// rawPeer is a bare WebSocket client speaking the frame protocol.
type rawPeer struct {
	conn *websocket.Conn
}

func dialRaw(t *testing.T, url string) *rawPeer {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial(%s) error = %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawPeer{conn: conn}
}

func (p *rawPeer) send(t *testing.T, typ protocol.MessageType, payload []byte) {
	t.Helper()
	if err := p.conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(typ, payload)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func (p *rawPeer) next(t *testing.T) (protocol.MessageType, []byte) {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(testTimeout))
	mt, data, err := p.conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", mt)
	}
	typ, payload, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return typ, payload
}

// expectNone fails if a frame arrives within d. The connection is unusable
// for reads afterwards when nothing arrives, so call it last.
func (p *rawPeer) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(d))
	if _, data, err := p.conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame %x", data)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func decodeOps(t *testing.T, update []byte) []crdt.Op {
	t.Helper()
	ops, err := crdt.DecodeUpdate(update)
	if err != nil {
		t.Fatalf("DecodeUpdate() error = %v", err)
	}
	return ops
}
