package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/persistence/indexdb"
	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/sim/host"
	"voxelstream.ai/internal/sim/world"
	"voxelstream.ai/internal/sim/world/terrain/store"
	"voxelstream.ai/internal/transport/observer"
)

type runtime struct {
	scene    *host.Scene
	stream   *world.Streamer
	observer *observer.Server
	index    indexdb.Index
	genLog   *persistlog.GenLogger
}

func newMux(rt runtime) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, rt)
	})

	if envBool("VS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !observer.IsLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				RunID    string              `json:"run_id"`
				Observer [3]float32          `json:"observer"`
				Metrics  world.StreamMetrics `json:"metrics"`
				Scene    host.SceneStats     `json:"scene"`
				Viewers  observer.Stats      `json:"viewers"`
				Index    *indexdb.Stats      `json:"index,omitempty"`
				Nodes    []nodeInfo          `json:"nodes,omitempty"`
				Cache    []store.EntryInfo   `json:"cache,omitempty"`
			}{
				RunID:    rt.stream.RunID(),
				Observer: rt.scene.ObserverPosition(),
				Metrics:  rt.stream.Metrics(),
				Scene:    rt.scene.Stats(),
				Viewers:  rt.observer.Stats(),
			}
			if rt.index != nil {
				st := rt.index.Stats()
				resp.Index = &st
			}
			if r.URL.Query().Get("nodes") == "1" {
				for _, n := range rt.scene.Nodes() {
					resp.Nodes = append(resp.Nodes, nodeInfo{
						Handle:    uint64(n.Handle),
						Key:       string(n.Name),
						Coord:     [3]int{n.Coord.X, n.Coord.Y, n.Coord.Z},
						Triangles: n.Mesh.Triangles(),
					})
				}
			}
			if r.URL.Query().Get("cache") == "1" {
				resp.Cache = rt.stream.Store().Snapshot()
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/replan", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !observer.IsLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			if q := r.URL.Query().Get("pos"); q != "" {
				pos, err := parseVec3(q)
				if err != nil {
					http.Error(rw, err.Error(), http.StatusBadRequest)
					return
				}
				rt.scene.MoveObserver(pos)
			}
			rt.stream.Replan()
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true})
		})
	}
	if envBool("VS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	mux.HandleFunc("/v1/observer/bootstrap", rt.observer.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", rt.observer.WSHandler())
	return mux
}

type nodeInfo struct {
	Handle    uint64 `json:"handle"`
	Key       string `json:"key"`
	Coord     [3]int `json:"coord"`
	Triangles int    `json:"triangles"`
}

func writeMetrics(rw http.ResponseWriter, rt runtime) {
	m := rt.stream.Metrics()
	sc := rt.scene.Stats()
	run := m.RunID

	// Minimal Prometheus exposition format.
	gauge := func(name, help string, v float64) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
		fmt.Fprintf(rw, "%s{run=%q} %g\n", name, run, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s counter\n", name)
		fmt.Fprintf(rw, "%s{run=%q} %d\n", name, run, v)
	}

	gauge("voxelstream_resident_chunks", "Chunks materialized in the host scene.", float64(m.Resident))
	gauge("voxelstream_backlog", "Planned candidates not yet dispatched.", float64(m.Backlog))
	gauge("voxelstream_pending_results", "Published meshes waiting to be materialized.", float64(m.PendingResults))
	gauge("voxelstream_inflight_jobs", "Jobs queued or running on the worker pool.", float64(m.Scheduler.InFlight))
	gauge("voxelstream_cache_ready", "READY cache entries.", float64(m.Cache.Ready))
	gauge("voxelstream_cache_pending", "PENDING cache entries.", float64(m.Cache.Pending))
	counter("voxelstream_updates_total", "Streaming updates run.", m.Updates)
	counter("voxelstream_plan_passes_total", "Planner passes run.", m.Passes)
	counter("voxelstream_evicted_total", "Residents evicted by distance.", m.EvictedTotal)
	counter("voxelstream_cache_evictions_total", "Cache entries evicted by LRU.", m.Cache.Evictions)
	counter("voxelstream_frames_total", "Host frames run.", sc.Frames)
	counter("voxelstream_materialized_total", "Scene nodes created.", sc.Materialized)
	counter("voxelstream_destroyed_total", "Scene nodes destroyed.", sc.Destroyed)

	fmt.Fprintf(rw, "# HELP voxelstream_dispatch_total Dispatch decisions by kind.\n")
	fmt.Fprintf(rw, "# TYPE voxelstream_dispatch_total counter\n")
	fmt.Fprintf(rw, "voxelstream_dispatch_total{run=%q,decision=%q} %d\n", run, "dispatched", m.Scheduler.Dispatched)
	fmt.Fprintf(rw, "voxelstream_dispatch_total{run=%q,decision=%q} %d\n", run, "cached", m.Scheduler.Cached)
	fmt.Fprintf(rw, "voxelstream_dispatch_total{run=%q,decision=%q} %d\n", run, "skipped", m.Scheduler.Skipped)
	fmt.Fprintf(rw, "voxelstream_dispatch_total{run=%q,decision=%q} %d\n", run, "throttled", m.Scheduler.Throttled)

	fmt.Fprintf(rw, "# HELP voxelstream_jobs_total Finished jobs by outcome.\n")
	fmt.Fprintf(rw, "# TYPE voxelstream_jobs_total counter\n")
	fmt.Fprintf(rw, "voxelstream_jobs_total{run=%q,outcome=%q} %d\n", run, "SUCCESS", m.Scheduler.Success)
	fmt.Fprintf(rw, "voxelstream_jobs_total{run=%q,outcome=%q} %d\n", run, "EMPTY", m.Scheduler.Empty)
	fmt.Fprintf(rw, "voxelstream_jobs_total{run=%q,outcome=%q} %d\n", run, "EXHAUSTED", m.Scheduler.Exhausted)
	counter("voxelstream_job_retries_total", "Attempts beyond the first.", m.Scheduler.Retries)
	counter("voxelstream_job_panics_total", "Recovered job panics.", m.Scheduler.Panics)

	if rt.observer != nil {
		vs := rt.observer.Stats()
		gauge("voxelstream_observer_viewers", "Connected observer viewers.", float64(vs.Viewers))
		counter("voxelstream_observer_sent_total", "Messages written to viewers.", vs.Sent)
		counter("voxelstream_observer_dropped_total", "Viewers cut off for falling behind.", vs.Dropped)
	}
	if rt.index != nil {
		is := rt.index.Stats()
		gauge("voxelstream_index_queue_depth", "Index writer backlog.", float64(is.QueueDepth))
		counter("voxelstream_index_written_total", "Events written to the index.", is.Written)
		counter("voxelstream_index_dropped_total", "Events dropped because the index queue was full.", is.Dropped)
	}
	if rt.genLog != nil {
		counter("voxelstream_genlog_failed_total", "Generation log writes that failed.", rt.genLog.Failed())
	}
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func parseVec3(s string) (mgl32.Vec3, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return mgl32.Vec3{}, fmt.Errorf("want x,y,z, got %q", s)
	}
	var v mgl32.Vec3
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return mgl32.Vec3{}, fmt.Errorf("component %d: %w", i, err)
		}
		v[i] = float32(f)
	}
	return v, nil
}
