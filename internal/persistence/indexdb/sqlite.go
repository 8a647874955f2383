package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelstream.ai/internal/sim/world/gen"
)

// Index is a read model of the generation event stream. Record never
// blocks; events are dropped and counted when the writer falls behind.
type Index interface {
	gen.EventSink
	BeginRun(runID string, startedAt time.Time, config any) error
	Stats() Stats
	Close() error
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Written       uint64 `json:"written"`
	Dropped       uint64 `json:"dropped"`
	Failed        uint64 `json:"failed"`
}

type SQLiteIndex struct {
	db *sql.DB

	ch   chan row
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

	commitEvery   int
	commitMaxWait time.Duration
}

type row struct {
	run string
	seq int64
	ev  gen.Event
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:            db,
		ch:            make(chan row, queue),
		commitEvery:   512,
		commitMaxWait: 500 * time.Millisecond,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			config_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			key TEXT NOT NULL,
			cx INTEGER NOT NULL,
			cy INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			backend TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			vertices INTEGER NOT NULL,
			triangles INTEGER NOT NULL,
			duration_ms REAL NOT NULL,
			error TEXT,
			at TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run_key ON jobs(run_id, key);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run_outcome ON jobs(run_id, outcome);`,
		`CREATE TABLE IF NOT EXISTS evictions (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			key TEXT NOT NULL,
			at TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// BeginRun records a session and tags every later event with runID.
func (s *SQLiteIndex) BeginRun(runID string, startedAt time.Time, config any) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	b, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO runs(run_id,started_at,config_json) VALUES(?,?,?)`,
		runID, startedAt.UTC().Format(time.RFC3339Nano), string(b)); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	s.run.Store(&runID)
	s.seq.Store(0)
	return nil
}

func (s *SQLiteIndex) Record(e gen.Event) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return
	}
	r := row{run: s.runID(), seq: s.seq.Add(1), ev: e}
	select {
	case s.ch <- r:
	default:
		// The JSONL log remains the source of truth.
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		Written:       s.written.Load(),
		Dropped:       s.dropped.Load(),
		Failed:        s.failed.Load(),
	}
}

// Close drains the queue, commits and closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertJob, _ := s.db.Prepare(`INSERT OR REPLACE INTO jobs(run_id,seq,key,cx,cy,cz,outcome,backend,attempts,vertices,triangles,duration_ms,error,at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertEvict, _ := s.db.Prepare(`INSERT OR REPLACE INTO evictions(run_id,seq,key,at) VALUES(?,?,?,?)`)
	defer func() {
		if insertJob != nil {
			_ = insertJob.Close()
		}
		if insertEvict != nil {
			_ = insertEvict.Close()
		}
	}()

	var (
		tx      *sql.Tx
		opCount int
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failed.Add(uint64(opCount))
		} else {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.failed.Add(uint64(opCount))
		tx = nil
		opCount = 0
	}

	ticker := time.NewTicker(s.commitMaxWait)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			begin()
			if tx == nil {
				s.failed.Add(1)
				continue
			}
			at := r.ev.Time.UTC().Format(time.RFC3339Nano)
			var err error
			switch r.ev.Kind {
			case gen.EventJob:
				if insertJob == nil {
					continue
				}
				_, err = tx.Stmt(insertJob).Exec(
					r.run, r.seq, string(r.ev.Key),
					r.ev.Coord.X, r.ev.Coord.Y, r.ev.Coord.Z,
					r.ev.Outcome, r.ev.Backend, r.ev.Attempts,
					r.ev.Vertices, r.ev.Triangles, r.ev.DurationMS,
					nullString(r.ev.Error), at,
				)
			case gen.EventCacheEvict:
				if insertEvict == nil {
					continue
				}
				_, err = tx.Stmt(insertEvict).Exec(r.run, r.seq, string(r.ev.Key), at)
			default:
				continue
			}
			if err != nil {
				s.failed.Add(1)
				rollback()
				continue
			}
			opCount++
			if opCount >= s.commitEvery {
				commit()
			}
		case <-ticker.C:
			// An open tx holds the only connection.
			commit()
		}
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteIndex) runID() string {
	if p := s.run.Load(); p != nil {
		return *p
	}
	return ""
}
