package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voxelstream.ai/internal/sim/world/gen"
)

type IngestConfig struct {
	Endpoint      string
	Token         string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	RetryBackoff  time.Duration
	// MaxRetained bounds how many events are kept across failed flushes.
	MaxRetained int
	Logger      *log.Logger
}

// IngestIndex ships the event stream to a remote HTTP ingest endpoint in
// batches. A batch that fails after retries is kept and sent with the next
// flush, up to MaxRetained events.
type IngestIndex struct {
	cfg        IngestConfig
	httpClient *http.Client

	ch   chan ingestEvent
	wg   sync.WaitGroup
	once sync.Once

	// mu orders sends on ch against close(ch).
	mu     sync.RWMutex
	closed atomic.Bool
	run    atomic.Pointer[string]
	seq    atomic.Int64

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

type ingestEvent struct {
	Kind    string `json:"kind"`
	RunID   string `json:"run_id"`
	Seq     int64  `json:"seq,omitempty"`
	Payload any    `json:"payload"`
}

type ingestRunPayload struct {
	StartedAt string          `json:"started_at"`
	Config    json.RawMessage `json:"config"`
}

func OpenIngest(cfg IngestConfig) (*IngestIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty ingest endpoint")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 8 * cfg.BatchSize
	}
	d := &IngestIndex{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan ingestEvent, 32768),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *IngestIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.mu.Lock()
		d.closed.Store(true)
		close(d.ch)
		d.mu.Unlock()
		d.wg.Wait()
	})
	return nil
}

func (d *IngestIndex) BeginRun(runID string, startedAt time.Time, config any) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	b, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	d.run.Store(&runID)
	d.seq.Store(0)
	d.enqueue(ingestEvent{Kind: "run", RunID: runID, Payload: ingestRunPayload{
		StartedAt: startedAt.UTC().Format(time.RFC3339Nano),
		Config:    b,
	}})
	return nil
}

func (d *IngestIndex) Record(e gen.Event) {
	if d == nil || d.closed.Load() {
		return
	}
	kind := "job"
	if e.Kind == gen.EventCacheEvict {
		kind = "evict"
	}
	d.enqueue(ingestEvent{Kind: kind, RunID: d.runID(), Seq: d.seq.Add(1), Payload: e})
}

func (d *IngestIndex) Stats() Stats {
	if d == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(d.ch),
		QueueCapacity: cap(d.ch),
		Written:       d.written.Load(),
		Dropped:       d.dropped.Load(),
		Failed:        d.failed.Load(),
	}
}

func (d *IngestIndex) enqueue(ev ingestEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return
	}
	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
	}
}

func (d *IngestIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]ingestEvent, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			d.printf("ingest flush failed batch=%d err=%v", len(batch), err)
			if over := len(batch) - d.cfg.MaxRetained; over > 0 {
				d.dropped.Add(uint64(over))
				batch = append(batch[:0], batch[over:]...)
			}
			return
		}
		d.written.Add(uint64(len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				if len(batch) > 0 {
					d.failed.Add(uint64(len(batch)))
				}
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *IngestIndex) sendBatch(events []ingestEvent) error {
	body := struct {
		Events []ingestEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-vs-index-token", d.cfg.Token)
		}
		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(d.cfg.RetryBackoff * time.Duration(1<<attempt))
	}
	return lastErr
}

func (d *IngestIndex) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}

func (d *IngestIndex) runID() string {
	if p := d.run.Load(); p != nil {
		return *p
	}
	return ""
}
