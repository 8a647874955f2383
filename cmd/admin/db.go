package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxelstream.ai/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/gen.sqlite)")
	runID := fs.String("run", "", "run id (optional; defaults to latest)")
	key := fs.String("key", "", "chunk key filter (jobs)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "runs"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "gen.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	r, err := indexdb.OpenReader(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if q != "runs" && *runID == "" {
		id, err := r.LatestRun(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "latest run:", err)
			os.Exit(1)
		}
		if id == "" {
			fmt.Fprintln(os.Stderr, "no runs found")
			os.Exit(2)
		}
		*runID = id
	}

	switch q {
	case "runs":
		rows, err := r.Runs(ctx, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, row := range rows {
			printJSON(row)
		}

	case "jobs":
		rows, err := r.Jobs(ctx, *runID, *key, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, row := range rows {
			printJSON(row)
		}

	case "outcomes":
		rows, err := r.Outcomes(ctx, *runID)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		evicted, err := r.Evictions(ctx, *runID)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		printJSON(struct {
			RunID     string               `json:"run_id"`
			Outcomes  []indexdb.OutcomeRow `json:"outcomes"`
			Evictions int                  `json:"evictions"`
		}{*runID, rows, evicted})

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(want runs|jobs|outcomes)")
		os.Exit(2)
	}
}
