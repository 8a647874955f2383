package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"voxelstream.ai/internal/observerproto"
)

// The bot is a headless observer client. It subscribes, then walks the
// observer along +x and reports the meshes it receives.
func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/observer/ws", "observer ws url")
		encoding = flag.String("encoding", "", "mesh encoding (default: server preferred)")
		radius   = flag.Int("radius", 0, "render radius in chunks (0 = session radius)")
		step     = flag.Float64("step", 8, "world units moved per step")
		every    = flag.Duration("every", 2*time.Second, "time between steps")
		steps    = flag.Int("steps", 20, "number of steps (0 = never move)")
		y        = flag.Float64("y", 0, "observer height")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		RenderRadius:    *radius,
		MeshEncoding:    *encoding,
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Fatalf("send SUBSCRIBE: %v", err)
	}

	msgs := make(chan []byte, 256)
	go func() {
		defer close(msgs)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				logger.Printf("read: %v", err)
				return
			}
			msgs <- b
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	tick := time.NewTicker(*every)
	defer tick.Stop()

	var (
		pos      [3]float32
		taken    int
		st       stats
		reported = time.Now()
	)
	pos[1] = float32(*y)

	for {
		select {
		case <-stop:
			st.log(logger)
			return
		case b, ok := <-msgs:
			if !ok {
				st.log(logger)
				return
			}
			st.handle(logger, b)
			if time.Since(reported) > 5*time.Second {
				st.log(logger)
				reported = time.Now()
			}
		case <-tick.C:
			if *steps > 0 && taken >= *steps {
				continue
			}
			pos[0] += float32(*step)
			mv := observerproto.MoveMsg{
				Type:            observerproto.TypeMove,
				ProtocolVersion: observerproto.Version,
				Pos:             pos,
			}
			if err := conn.WriteJSON(mv); err != nil {
				logger.Printf("send MOVE: %v", err)
				return
			}
			taken++
			logger.Printf("MOVE #%d pos=%v", taken, pos)
		}
	}
}

type stats struct {
	meshes    int
	evicts    int
	errors    int
	bad       int
	triangles int
	wire      int
	resident  map[string]int
}

func (s *stats) handle(logger *log.Logger, b []byte) {
	if s.resident == nil {
		s.resident = map[string]int{}
	}
	var env observerproto.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		s.bad++
		return
	}
	switch env.Type {
	case observerproto.TypeChunkMesh:
		var msg observerproto.ChunkMeshMsg
		if err := json.Unmarshal(b, &msg); err != nil {
			s.bad++
			return
		}
		m, err := observerproto.DecodeMesh(msg)
		if err != nil {
			s.bad++
			logger.Printf("bad mesh %s: %v", msg.Key, err)
			return
		}
		s.meshes++
		s.wire += len(b)
		s.triangles += m.Triangles()
		s.resident[msg.Key] = m.Triangles()
	case observerproto.TypeChunkEvict:
		var msg observerproto.ChunkEvictMsg
		if err := json.Unmarshal(b, &msg); err != nil {
			s.bad++
			return
		}
		s.evicts++
		delete(s.resident, msg.Key)
	case observerproto.TypeError:
		var msg observerproto.ErrorMsg
		_ = json.Unmarshal(b, &msg)
		s.errors++
		logger.Printf("ERROR %s: %s", msg.Code, msg.Message)
	default:
		s.bad++
	}
}

func (s *stats) log(logger *log.Logger) {
	tris := 0
	for _, n := range s.resident {
		tris += n
	}
	logger.Printf("meshes=%d evicts=%d resident=%d resident_tris=%d total_tris=%d wire_bytes=%d errors=%d bad=%d",
		s.meshes, s.evicts, len(s.resident), tris, s.triangles, s.wire, s.errors, s.bad)
}
