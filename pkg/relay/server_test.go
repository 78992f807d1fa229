package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/vango-dev/collab/pkg/collab"
	"github.com/vango-dev/collab/pkg/crdt"
	"github.com/vango-dev/collab/pkg/store"
)

func sessionConfig() *collab.SessionConfig {
	cfg := collab.DefaultSessionConfig()
	cfg.PingInterval = 0
	return cfg
}

func connect(t *testing.T, factory *collab.Factory, docID, user string, doc crdt.Doc) *collab.Session {
	t.Helper()
	s, err := factory.Connect(context.Background(), docID, user, doc)
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", user, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRelayConvergesClients(t *testing.T) {
	tr := newTestRelay(t, nil)
	factory := collab.NewFactory(collab.NewResolver(tr.http.URL), sessionConfig())

	alice := crdt.NewMap(1)
	alice.Set("offline", []byte("written before connecting"))
	connect(t, factory, "plan", "alice", alice)

	bob := crdt.NewMap(2)
	connect(t, factory, "plan", "bob", bob)

	waitFor(t, "bob receives alice's offline edit", func() bool {
		_, ok := bob.Get("offline")
		return ok
	})

	bob.Set("title", []byte("Q3"))
	alice.Set("owner", []byte("alice"))
	alice.Set("title", []byte("Q4"))

	waitFor(t, "replicas converge", func() bool {
		return cmp.Equal(alice.Snapshot(), bob.Snapshot()) && alice.Len() == 3
	})

	room, _ := tr.server.Hub().Room("plan")
	if diff := cmp.Diff(alice.Snapshot(), room.Doc().Snapshot()); diff != "" {
		t.Errorf("relay replica differs (-client +relay):\n%s", diff)
	}
}

func TestRelayPersistsAndRestoresRooms(t *testing.T) {
	tr := newTestRelay(t, nil)
	factory := collab.NewFactory(collab.NewResolver(tr.http.URL), sessionConfig())

	doc := crdt.NewMap(1)
	s := connect(t, factory, "notes", "alice", doc)
	doc.Set("line-1", []byte("hello"))

	room, _ := tr.server.Hub().Room("notes")
	waitFor(t, "relay receives edit", func() bool {
		_, ok := room.Doc().Get("line-1")
		return ok
	})

	s.Close()
	waitFor(t, "room evicted", func() bool {
		return len(tr.server.Hub().Rooms()) == 0
	})
	waitFor(t, "snapshot saved", func() bool {
		data, _ := tr.store.Load(context.Background(), "notes")
		return data != nil
	})

	data, err := tr.store.Load(context.Background(), "notes")
	if err != nil || data == nil {
		t.Fatalf("snapshot after eviction = %x, %v", data, err)
	}

	fresh := crdt.NewMap(2)
	connect(t, factory, "notes", "bob", fresh)
	waitFor(t, "restored state reaches new client", func() bool {
		v, ok := fresh.Get("line-1")
		return ok && string(v) == "hello"
	})
}

func TestHubPersistDirty(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	hub := NewHub(st, nil, nil)

	p := &peer{id: "p", send: make(chan []byte, 8), logger: discardLogger()}
	room, err := hub.Join(ctx, "doc", p)
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	if err := hub.PersistDirty(ctx); err != nil {
		t.Fatalf("PersistDirty() error = %v", err)
	}
	if st.Count() != 0 {
		t.Fatal("clean room was saved")
	}

	src := crdt.NewMap(3)
	src.Set("k", []byte("v"))
	update, _ := src.EncodeStateAsUpdate(nil)
	room.handle(p, append([]byte{0x03}, update...))

	if err := hub.PersistDirty(ctx); err != nil {
		t.Fatalf("PersistDirty() error = %v", err)
	}
	if room.Dirty() {
		t.Error("room still dirty after save")
	}
	data, _ := st.Load(ctx, "doc")
	restored := crdt.NewMap(4)
	if err := restored.ApplyUpdate(data, nil); err != nil {
		t.Fatalf("ApplyUpdate(snapshot) error = %v", err)
	}
	if v, _ := restored.Get("k"); string(v) != "v" {
		t.Errorf("restored k = %q, want v", v)
	}

	hub.Close()
	if _, err := hub.Join(ctx, "other", &peer{id: "q", send: make(chan []byte, 1), logger: discardLogger()}); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Join() after Close error = %v, want ErrHubClosed", err)
	}
	if err := hub.Flush(ctx); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
}

func TestRelayRestoresCorruptSnapshotEmpty(t *testing.T) {
	tr := newTestRelay(t, nil)
	tr.store.Save(context.Background(), "broken", []byte{0xff, 0xff})

	p := dialRaw(t, tr.wsURL("/ws/broken"))
	p.next(t)

	room, ok := tr.server.Hub().Room("broken")
	if !ok {
		t.Fatal("room not opened")
	}
	if room.Doc().Len() != 0 {
		t.Errorf("room has %d keys, want 0", room.Doc().Len())
	}
}

func TestLookupEndpoint(t *testing.T) {
	t.Run("derived from request", func(t *testing.T) {
		tr := newTestRelay(t, nil)
		resp, err := http.Get(tr.http.URL + "/collab/doc%201?user=alice")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var body LookupResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode error = %v", err)
		}
		want := tr.wsURL("/ws/doc%201?user=alice")
		if body.URL != want {
			t.Errorf("url = %q, want %q", body.URL, want)
		}
	})

	t.Run("public url", func(t *testing.T) {
		tr := newTestRelay(t, func(c *ServerConfig) {
			c.PublicURL = "https://collab.example.com/"
		})
		req := httptest.NewRequest(http.MethodGet, "/collab/doc", nil)
		rec := httptest.NewRecorder()
		tr.server.Handler().ServeHTTP(rec, req)

		var body LookupResponse
		json.NewDecoder(rec.Body).Decode(&body)
		if body.URL != "wss://collab.example.com/ws/doc" {
			t.Errorf("url = %q", body.URL)
		}
	})

	t.Run("forwarded https", func(t *testing.T) {
		tr := newTestRelay(t, nil)
		req := httptest.NewRequest(http.MethodGet, "/collab/doc", nil)
		req.Host = "relay.internal"
		req.Header.Set("X-Forwarded-Proto", "https")
		rec := httptest.NewRecorder()
		tr.server.Handler().ServeHTTP(rec, req)

		var body LookupResponse
		json.NewDecoder(rec.Body).Decode(&body)
		if body.URL != "wss://relay.internal/ws/doc" {
			t.Errorf("url = %q", body.URL)
		}
	})
}

func TestRelayTokenAuth(t *testing.T) {
	tr := newTestRelay(t, func(c *ServerConfig) {
		c.AuthSecret = []byte("test-secret")
	})

	resolver := collab.NewResolver(tr.http.URL)
	wsURL, err := resolver.Lookup(context.Background(), "doc", "alice")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !strings.Contains(wsURL, "token=") {
		t.Fatalf("lookup url %q carries no token", wsURL)
	}

	p := dialRaw(t, wsURL)
	p.next(t)

	tests := []struct {
		name string
		url  string
	}{
		{"no token", tr.wsURL("/ws/doc")},
		{"garbage token", tr.wsURL("/ws/doc?token=abc")},
		{"other document", strings.Replace(wsURL, "/ws/doc?", "/ws/other?", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(tt.url, nil)
			if err == nil {
				t.Fatal("Dial() succeeded without a valid token")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("response = %v, want 401", resp)
			}
		})
	}

	t.Run("authorization header", func(t *testing.T) {
		token, _ := tr.server.Tokens().Issue("bob", "doc")
		header := http.Header{"Authorization": {"Bearer " + token}}
		conn, _, err := websocket.DefaultDialer.Dial(tr.wsURL("/ws/doc"), header)
		if err != nil {
			t.Fatalf("Dial() with header error = %v", err)
		}
		conn.Close()
	})
}

func TestHealthAndMetrics(t *testing.T) {
	tr := newTestRelay(t, nil)
	p := dialRaw(t, tr.wsURL("/ws/doc"))
	p.next(t)

	resp, err := http.Get(tr.http.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var health struct {
		Status string `json:"status"`
		Rooms  int    `json:"rooms"`
	}
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health.Status != "ok" || health.Rooms != 1 {
		t.Errorf("health = %+v, want ok with 1 room", health)
	}

	resp, err = http.Get(tr.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, name := range []string{"collab_active_rooms 1", "collab_active_peers 1", "collab_frames_sent_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}

func TestServerRunAndShutdown(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Store = st
	cfg.PersistInterval = 10 * time.Millisecond
	cfg.PingInterval = 0
	srv := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()

	waitFor(t, "server listening", func() bool { return srv.Addr() != nil })
	base := "http://" + srv.Addr().String()

	factory := collab.NewFactory(collab.NewResolver(base), sessionConfig())
	doc := crdt.NewMap(1)
	s := connect(t, factory, "doc", "alice", doc)
	doc.Set("k", []byte("v"))

	waitFor(t, "periodic persist", func() bool {
		data, _ := st.Load(context.Background(), "doc")
		return data != nil
	})

	doc.Set("k2", []byte("v2"))
	room, _ := srv.Hub().Room("doc")
	waitFor(t, "relay receives second edit", func() bool {
		_, ok := room.Doc().Get("k2")
		return ok
	})

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	select {
	case <-s.Done():
	case <-time.After(testTimeout):
		t.Fatal("client session not closed by shutdown")
	}

	data, _ := st.Load(context.Background(), "doc")
	restored := crdt.NewMap(2)
	if err := restored.ApplyUpdate(data, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := restored.Get("k2"); !ok {
		t.Error("shutdown did not save the latest edit")
	}
}
