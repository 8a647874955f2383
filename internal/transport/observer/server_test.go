package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gorilla/websocket"

	"voxelstream.ai/internal/observerproto"
	"voxelstream.ai/internal/sim/host"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/sim/world"
	"voxelstream.ai/internal/sim/world/terrain/density"
)

type planeBackend struct{}

func (planeBackend) Name() string    { return "plane" }
func (planeBackend) Transient() bool { return false }

func (planeBackend) Synthesize(ctx context.Context, gc *density.Context, origin mgl32.Vec3) (*density.Field, error) {
	f := density.NewField(gc.Shape)
	for z := 0; z < gc.Shape.Z; z++ {
		for y := 0; y < gc.Shape.Y; y++ {
			for x := 0; x < gc.Shape.X; x++ {
				f.Set(x, y, z, float32(4-y))
			}
		}
	}
	return f, nil
}

type fixture struct {
	scene  *host.Scene
	stream *world.Streamer
	srv    *Server
	http   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := tuning.Defaults()
	cfg.Resolution = 8
	cfg.RenderRadius = 1
	cfg.Flat = true
	cfg.Workers = 2
	cfg.QueueSize = 32
	cfg.EvictMultiplier = 0.25

	scene := host.NewScene(host.Config{PublishPerSecond: 1e6, PublishBurst: 64}, nil)
	st, err := world.New(world.Options{Tuning: cfg, Host: scene, Backend: planeBackend{}, PublishBuffer: 64})
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	t.Cleanup(st.Close)
	scene.Bind(st)

	srv := NewServer(scene, st, Config{}, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/observer/bootstrap", srv.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", srv.WSHandler())
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return &fixture{scene: scene, stream: st, srv: srv, http: hs}
}

// settle runs frames until every dispatched job has been materialized.
func (f *fixture) settle() {
	f.scene.Frame()
	f.stream.Wait()
	f.scene.Frame()
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/v1/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

type inbound struct {
	Type string `json:"type"`
	Code string `json:"code"`
	raw  []byte
}

func read(t *testing.T, conn *websocket.Conn) inbound {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var in inbound
	if err := json.Unmarshal(b, &in); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	in.raw = b
	return in
}

func subscribe(enc string) observerproto.SubscribeMsg {
	return observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		MeshEncoding:    enc,
	}
}

func TestBootstrap_ListsResidentChunks(t *testing.T) {
	f := newFixture(t)
	f.settle()

	resp, err := http.Get(f.http.URL + "/v1/observer/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var boot observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&boot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if boot.RunID != f.stream.RunID() || boot.Params.Resolution != 8 || boot.Params.Backend != "plane" {
		t.Fatalf("bootstrap=%+v", boot)
	}
	if boot.Params.Stride != 4 || len(boot.Resident) != 9 {
		t.Fatalf("stride=%v resident=%d", boot.Params.Stride, len(boot.Resident))
	}
}

func TestWS_ReplaysSceneThenStreamsEvictions(t *testing.T) {
	f := newFixture(t)
	f.settle()

	conn := f.dial(t)
	send(t, conn, subscribe(observerproto.EncodingZstdF32LE))

	keys := map[string]bool{}
	for i := 0; i < 9; i++ {
		in := read(t, conn)
		if in.Type != observerproto.TypeChunkMesh {
			t.Fatalf("message %d type=%s", i, in.Type)
		}
		var msg observerproto.ChunkMeshMsg
		_ = json.Unmarshal(in.raw, &msg)
		m, err := observerproto.DecodeMesh(msg)
		if err != nil {
			t.Fatalf("decode %s: %v", msg.Key, err)
		}
		if m.Triangles() == 0 {
			t.Fatalf("%s: empty mesh", msg.Key)
		}
		keys[msg.Key] = true
	}
	if len(keys) != 9 {
		t.Fatalf("distinct keys=%d", len(keys))
	}

	send(t, conn, observerproto.MoveMsg{Type: observerproto.TypeMove, ProtocolVersion: observerproto.Version, Pos: [3]float32{40, 0, 0}})
	deadline := time.Now().Add(5 * time.Second)
	for f.scene.ObserverPosition().X() != 40 {
		if time.Now().After(deadline) {
			t.Fatalf("MOVE not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// One frame sweeps and queues the destroys, the next flushes them.
	f.scene.Frame()
	f.stream.Wait()
	f.scene.Frame()

	evicted, meshes := 0, 0
	for evicted < 9 || meshes < 9 {
		switch in := read(t, conn); in.Type {
		case observerproto.TypeChunkEvict:
			evicted++
		case observerproto.TypeChunkMesh:
			meshes++
		default:
			t.Fatalf("unexpected %s", in.raw)
		}
	}
	if st := f.srv.Stats(); st.Viewers != 1 || st.Dropped != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestWS_RejectsUnknownEncoding(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	send(t, conn, subscribe("PNG"))
	in := read(t, conn)
	if in.Type != observerproto.TypeError || in.Code != observerproto.ErrBadRequest {
		t.Fatalf("got %s", in.raw)
	}
}

func TestWS_BadMoveReportsError(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	send(t, conn, subscribe(observerproto.EncodingF32LE))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"JUMP","protocol_version":"1.0"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	in := read(t, conn)
	if in.Type != observerproto.TypeError || in.Code != observerproto.ErrProto {
		t.Fatalf("got %s", in.raw)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5000": true,
		"[::1]:5000":     true,
		"10.0.0.3:5000":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := IsLoopbackRemote(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}
