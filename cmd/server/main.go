package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/faiface/mainthread"
	"github.com/google/uuid"

	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/sim/host"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/sim/world"
	"voxelstream.ai/internal/sim/world/gen"
	"voxelstream.ai/internal/sim/world/terrain/density"
	"voxelstream.ai/internal/sim/world/terrain/density/accel"
	"voxelstream.ai/internal/transport/observer"
)

// The frame loop runs on the OS main thread; accelerator drivers and any
// attached renderer expect that.
func main() { mainthread.Run(run) }

func run() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		tuningPath  = flag.String("tuning", "./configs/streaming.yaml", "path to streaming.yaml (empty for defaults)")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		disableDB   = flag.Bool("disable_db", false, "disable the job index")
		backendFlag = flag.String("backend", "", "density backend override: cpu|accelerator")
		seed        = flag.Int64("seed", 0, "seed override")
		workers     = flag.Int("workers", 0, "worker pool size override")
		radius      = flag.Int("radius", 0, "render radius override")
		frameHz     = flag.Int("frame_hz", 0, "frame rate override")
		observe     = flag.Bool("observer_remote", false, "accept observer viewers from non-loopback addresses")
		spawn       = flag.String("spawn", "0,0,0", "initial observer position x,y,z")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(strings.TrimSpace(*tuningPath))
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			tune.Backend = *backendFlag
		case "seed":
			tune.Seed = *seed
		case "workers":
			tune.Workers = *workers
		case "radius":
			tune.RenderRadius = *radius
		case "frame_hz":
			tune.FrameHz = *frameHz
		}
	})
	tune.Normalize()
	if err := tune.Validate(); err != nil {
		logger.Fatalf("tuning: %v", err)
	}
	origin, err := parseVec3(*spawn)
	if err != nil {
		logger.Fatalf("spawn: %v", err)
	}

	gc, err := density.NewContext(tune.DensityParams())
	if err != nil {
		logger.Fatalf("generation context: %v", err)
	}
	cpu := density.NewCPUBackend(tune.FieldWorkers, 0)
	defer cpu.Close()

	var primary, fallback density.Backend = cpu, nil
	if kind, _ := density.ParseKind(tune.Backend); kind == density.KindAccelerator {
		acc, err := accel.New(gc, log.New(os.Stdout, "[accel] ", log.LstdFlags|log.Lmicroseconds))
		switch {
		case errors.Is(err, density.ErrNoAdapter):
			logger.Printf("no compute adapter; falling back to cpu backend")
		case err != nil:
			logger.Fatalf("accelerator: %v", err)
		default:
			defer acc.Close()
			primary, fallback = acc, cpu
		}
	}

	runID := uuid.NewString()
	runDir := filepath.Join(*dataDir, "runs", runID)
	if err := writeManifest(runDir, runID, tune, primary.Name()); err != nil {
		logger.Fatalf("run manifest: %v", err)
	}

	genLog := persistlog.NewGenLogger(runDir, logger)
	defer genLog.Close()
	sinks := gen.MultiSink{genLog}

	idx, err := openRuntimeIndex(*dataDir, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.BeginRun(runID, time.Now(), tune); err != nil {
			logger.Printf("index backend: begin run: %v", err)
		}
		sinks = append(sinks, idx)
	}

	scene := host.NewScene(host.Config{
		PublishPerSecond: tune.PublishPerSecond,
		PublishBurst:     tune.PublishBurst,
		Origin:           origin,
	}, log.New(os.Stdout, "[scene] ", log.LstdFlags|log.Lmicroseconds))

	st, err := world.New(world.Options{
		Tuning:   tune,
		Host:     scene,
		Backend:  primary,
		Fallback: fallback,
		Context:  gc,
		Sink:     sinks,
		Logger:   log.New(os.Stdout, "[stream] ", log.LstdFlags|log.Lmicroseconds),
		RunID:    runID,
	})
	if err != nil {
		logger.Fatalf("world: %v", err)
	}
	defer st.Close()
	scene.Bind(st)

	obsSrv := observer.NewServer(scene, st, observer.Config{AllowRemote: *observe},
		log.New(os.Stdout, "[observer] ", log.LstdFlags|log.Lmicroseconds))

	ctx, cancel := signalContext()
	defer cancel()

	srv := &http.Server{
		Addr: *addr,
		Handler: newMux(runtime{
			scene:    scene,
			stream:   st,
			observer: obsSrv,
			index:    idx,
			genLog:   genLog,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()
	go func() {
		logger.Printf("listening on %s run=%s backend=%s", *addr, runID, primary.Name())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("ListenAndServe: %v", err)
			cancel()
		}
	}()

	if err := scene.Run(ctx, tune.FrameHz, mainthread.Call); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("frame loop stopped: %v", err)
	}
	// Nobody drains results once the frame loop stops.
	st.Close()
	m := st.Metrics()
	logger.Printf("shutdown run=%s resident=%d success=%d empty=%d exhausted=%d abandoned=%d",
		runID, m.Resident, m.Scheduler.Success, m.Scheduler.Empty, m.Scheduler.Exhausted, st.Abandoned())
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// Manifest is written to <data>/runs/<run_id>/run.json at startup.
type Manifest struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Backend   string        `json:"backend"`
	Tuning    tuning.Tuning `json:"tuning"`
}

func writeManifest(runDir, runID string, tune tuning.Tuning, backend string) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(Manifest{RunID: runID, StartedAt: time.Now().UTC(), Backend: backend, Tuning: tune}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, "run.json"), b, 0o644)
}
