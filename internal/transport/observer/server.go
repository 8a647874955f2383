package observer

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gorilla/websocket"

	"voxelstream.ai/internal/observerproto"
	"voxelstream.ai/internal/sim/host"
	"voxelstream.ai/internal/sim/world"
	"voxelstream.ai/internal/sim/world/terrain/grid"
)

type Config struct {
	// AllowRemote accepts viewers from non-loopback addresses.
	AllowRemote bool
	// SendBuffer is the per-viewer outbound queue. A viewer whose queue
	// fills is disconnected.
	SendBuffer int
}

// Server streams scene changes to websocket viewers. It is registered as a
// host.Listener; callbacks only enqueue.
type Server struct {
	scene  *host.Scene
	stream *world.Streamer
	cfg    Config
	log    *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu      sync.Mutex
	viewers map[uint64]*viewer

	sent    atomic.Uint64
	dropped atomic.Uint64
}

type Stats struct {
	Viewers int    `json:"viewers"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

func NewServer(scene *host.Scene, stream *world.Streamer, cfg Config, logger *log.Logger) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 1024
	}
	s := &Server{
		scene:   scene,
		stream:  stream,
		cfg:     cfg,
		log:     logger,
		viewers: map[uint64]*viewer{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	scene.AddListener(s)
	return s
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.viewers)
	s.mu.Unlock()
	return Stats{Viewers: n, Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.Bootstrap())
	}
}

func (s *Server) Bootstrap() observerproto.BootstrapResponse {
	t := s.stream.Tuning()
	resp := observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		RunID:           s.stream.RunID(),
		Params: observerproto.SessionParams{
			VoxelSize:    t.VoxelSize,
			Resolution:   t.Resolution,
			Stride:       s.stream.Quantizer().Stride(),
			RenderRadius: t.RenderRadius,
			Seed:         t.Seed,
			Flat:         t.Flat,
			Metric:       t.Metric,
			Backend:      s.stream.Scheduler().Backend(),
			Encodings:    observerproto.Encodings,
		},
		Observer: s.scene.ObserverPosition(),
		Resident: []observerproto.ResidentChunk{},
	}
	for _, n := range s.scene.Nodes() {
		resp.Resident = append(resp.Resident, observerproto.ResidentChunk{
			Key:       string(n.Name),
			Coord:     [3]int{n.Coord.X, n.Coord.Y, n.Coord.Z},
			Placement: n.Placement,
			Triangles: n.Mesh.Triangles(),
		})
	}
	return resp
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, code, reason := parseSubscribe(msg)
		if code != "" {
			s.refuse(conn, code, reason)
			return
		}

		v := &viewer{
			id:   s.nextID.Add(1),
			out:  make(chan []byte, s.cfg.SendBuffer),
			gone: make(chan struct{}),
		}
		v.apply(sub)
		s.mu.Lock()
		s.viewers[v.id] = v
		s.mu.Unlock()
		defer s.remove(v)
		if s.log != nil {
			s.log.Printf("observer O%d subscribed encoding=%s radius=%d", v.id, sub.MeshEncoding, sub.RenderRadius)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case <-v.gone:
					// Unblocks the reader loop below.
					_ = conn.Close()
					writeErr <- nil
					return
				case b := <-v.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
					s.sent.Add(1)
				}
			}
		}()

		// Registered before the snapshot: a chunk materialized in between
		// may arrive twice, never zero times.
		s.replay(v)

		// Reader loop: SUBSCRIBE updates and MOVE.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handle(v, msg)
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) handle(v *viewer, msg []byte) {
	var env observerproto.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		s.sendError(v, observerproto.ErrProto, "malformed json")
		return
	}
	if env.ProtocolVersion != observerproto.Version {
		s.sendError(v, observerproto.ErrProto, "unsupported protocol_version")
		return
	}
	switch env.Type {
	case observerproto.TypeSubscribe:
		sub, code, reason := parseSubscribe(msg)
		if code != "" {
			s.sendError(v, code, reason)
			return
		}
		v.apply(sub)
	case observerproto.TypeMove:
		var mv observerproto.MoveMsg
		if err := json.Unmarshal(msg, &mv); err != nil {
			s.sendError(v, observerproto.ErrBadRequest, "bad MOVE")
			return
		}
		for _, f := range mv.Pos {
			if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
				s.sendError(v, observerproto.ErrBadRequest, "pos must be finite")
				return
			}
		}
		s.scene.MoveObserver(mgl32.Vec3(mv.Pos))
	default:
		s.sendError(v, observerproto.ErrProto, "unknown message type")
	}
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, string, string) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, observerproto.ErrProto, "bad subscribe"
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, observerproto.ErrProto, "expected SUBSCRIBE"
	}
	enc, err := observerproto.NormalizeEncoding(sub.MeshEncoding)
	if err != nil {
		return sub, observerproto.ErrBadRequest, err.Error()
	}
	sub.MeshEncoding = enc
	if sub.RenderRadius < 0 {
		return sub, observerproto.ErrBadRequest, "render_radius must be >= 0"
	}
	return sub, "", ""
}

func (s *Server) refuse(conn *websocket.Conn, code, reason string) {
	if b, err := json.Marshal(observerproto.NewError(code, reason)); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, b)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

// replay sends every live node to a newly subscribed viewer.
func (s *Server) replay(v *viewer) {
	center := s.center()
	for _, n := range s.scene.Nodes() {
		s.sendMesh(v, n, center)
	}
}

func (s *Server) Materialized(n host.Node) {
	center := s.center()
	for _, v := range s.snapshot() {
		s.sendMesh(v, n, center)
	}
}

func (s *Server) Destroyed(n host.Node) {
	b, err := json.Marshal(observerproto.NewChunkEvict(n.Name, n.Coord))
	if err != nil {
		return
	}
	for _, v := range s.snapshot() {
		s.push(v, b)
	}
}

func (s *Server) sendMesh(v *viewer, n host.Node, center grid.Coord) {
	enc, radius := v.settings()
	if radius > 0 && s.stream.Residents().Metric().Distance(n.Coord, center) > float64(radius) {
		return
	}
	msg, err := observerproto.NewChunkMesh(n.Name, n.Coord, n.Placement, n.Mesh, enc)
	if err != nil {
		if s.log != nil {
			s.log.Printf("observer: encode %s: %v", n.Name, err)
		}
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.push(v, b)
}

func (s *Server) sendError(v *viewer, code, message string) {
	if b, err := json.Marshal(observerproto.NewError(code, message)); err == nil {
		s.push(v, b)
	}
}

// push never blocks. A viewer that cannot keep up is cut off rather than
// stalling the frame.
func (s *Server) push(v *viewer, b []byte) {
	select {
	case <-v.gone:
		return
	default:
	}
	select {
	case v.out <- b:
	default:
		s.dropped.Add(1)
		if s.log != nil {
			s.log.Printf("observer O%d: send queue full; disconnecting", v.id)
		}
		v.close()
	}
}

func (s *Server) center() grid.Coord {
	return s.stream.Quantizer().Quantize(s.scene.ObserverPosition())
}

func (s *Server) snapshot() []*viewer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*viewer, 0, len(s.viewers))
	for _, v := range s.viewers {
		out = append(out, v)
	}
	return out
}

func (s *Server) remove(v *viewer) {
	v.close()
	s.mu.Lock()
	delete(s.viewers, v.id)
	s.mu.Unlock()
}

func (s *Server) allowed(r *http.Request) bool {
	return s.cfg.AllowRemote || IsLoopbackRemote(r.RemoteAddr)
}

type viewer struct {
	id   uint64
	out  chan []byte
	gone chan struct{}
	once sync.Once

	mu       sync.Mutex
	encoding string
	radius   int
}

func (v *viewer) apply(sub observerproto.SubscribeMsg) {
	v.mu.Lock()
	v.encoding = sub.MeshEncoding
	v.radius = sub.RenderRadius
	v.mu.Unlock()
}

func (v *viewer) settings() (string, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.encoding, v.radius
}

func (v *viewer) close() { v.once.Do(func() { close(v.gone) }) }

func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
