package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "replan":
			replanCmd(os.Args[2:])
			return
		case "list":
			listCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// runManifest mirrors the fields of <data>/runs/<id>/run.json that list prints.
type runManifest struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Backend   string    `json:"backend"`
	Tuning    struct {
		Seed         int64   `json:"seed"`
		Resolution   int     `json:"resolution"`
		VoxelSize    float32 `json:"voxel_size"`
		RenderRadius int     `json:"render_radius"`
	} `json:"tuning"`
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	asJSON := fs.Bool("json", false, "print manifests as JSON lines")
	_ = fs.Parse(args)

	runs, err := readManifests(filepath.Join(*dataDir, "runs"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, m := range runs {
		if *asJSON {
			printJSON(m)
			continue
		}
		fmt.Printf("%s %s backend=%s seed=%d res=%d voxel=%g radius=%d\n",
			m.RunID, m.StartedAt.UTC().Format(time.RFC3339), m.Backend,
			m.Tuning.Seed, m.Tuning.Resolution, m.Tuning.VoxelSize, m.Tuning.RenderRadius)
	}
}

// readManifests returns run manifests newest first. Run dirs without a
// readable run.json are listed by name only.
func readManifests(base string) ([]runManifest, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, err
	}
	var out []runManifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := runManifest{RunID: e.Name()}
		if b, err := os.ReadFile(filepath.Join(base, e.Name(), "run.json")); err == nil {
			_ = json.Unmarshal(b, &m)
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
