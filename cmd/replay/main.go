package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/sim/world/gen"
	"voxelstream.ai/internal/sim/world/terrain/grid"
)

func main() {
	var (
		eventsDir = flag.String("events", "", "events dir containing gen-*.jsonl.zst")
		runDir    = flag.String("run", "", "run dir (uses <run>/events)")
		key       = flag.String("key", "", "print the job history of one chunk key")
		top       = flag.Int("top", 10, "number of most-retried chunks to list")
	)
	flag.Parse()

	dir := *eventsDir
	if dir == "" && *runDir != "" {
		dir = filepath.Join(*runDir, "events")
	}
	if dir == "" {
		fmt.Fprintln(os.Stderr, "missing -events or -run")
		os.Exit(2)
	}

	files, err := persistlog.ListFiles(dir, persistlog.GenPrefix)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no gen-*.jsonl.zst files in", dir)
		os.Exit(2)
	}

	s := newSummary()
	for _, p := range files {
		err := persistlog.ReadEvents(p, func(e gen.Event) error {
			s.add(e)
			if *key != "" && string(e.Key) == *key {
				printEvent(e)
			}
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
	}
	s.print(len(files), *top)
}

type summary struct {
	jobs      int
	evictions int
	outcomes  map[string]int
	backends  map[string]int
	attempts  map[grid.Key]int
	durations []float64
	triangles int
}

func newSummary() *summary {
	return &summary{
		outcomes: map[string]int{},
		backends: map[string]int{},
		attempts: map[grid.Key]int{},
	}
}

func (s *summary) add(e gen.Event) {
	switch e.Kind {
	case gen.EventJob:
		s.jobs++
		s.outcomes[e.Outcome]++
		if e.Backend != "" {
			s.backends[e.Backend]++
		}
		s.attempts[e.Key] += e.Attempts
		s.durations = append(s.durations, e.DurationMS)
		s.triangles += e.Triangles
	case gen.EventCacheEvict:
		s.evictions++
	}
}

func (s *summary) print(files, top int) {
	fmt.Printf("files=%d jobs=%d evictions=%d chunks=%d triangles=%d\n",
		files, s.jobs, s.evictions, len(s.attempts), s.triangles)

	fmt.Println("outcomes:")
	for _, k := range sortedKeys(s.outcomes) {
		fmt.Printf("  %-10s %d\n", k, s.outcomes[k])
	}
	if len(s.backends) > 0 {
		fmt.Println("backends:")
		for _, k := range sortedKeys(s.backends) {
			fmt.Printf("  %-10s %d\n", k, s.backends[k])
		}
	}

	if len(s.durations) > 0 {
		sort.Float64s(s.durations)
		var sum float64
		for _, d := range s.durations {
			sum += d
		}
		fmt.Printf("duration_ms: mean=%.2f p50=%.2f p95=%.2f max=%.2f\n",
			sum/float64(len(s.durations)),
			percentile(s.durations, 0.50),
			percentile(s.durations, 0.95),
			s.durations[len(s.durations)-1])
	}

	type retried struct {
		key grid.Key
		n   int
	}
	var rs []retried
	for k, n := range s.attempts {
		if n > 1 {
			rs = append(rs, retried{k, n})
		}
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].n != rs[j].n {
			return rs[i].n > rs[j].n
		}
		return rs[i].key < rs[j].key
	})
	if len(rs) > top {
		rs = rs[:top]
	}
	if len(rs) > 0 {
		fmt.Println("most attempts:")
		for _, r := range rs {
			fmt.Printf("  %s %d\n", r.key, r.n)
		}
	}
}

func printEvent(e gen.Event) {
	if e.Kind == gen.EventCacheEvict {
		fmt.Printf("%s %s EVICT\n", e.Time.UTC().Format("15:04:05.000"), e.Key)
		return
	}
	line := fmt.Sprintf("%s %s %s backend=%s attempts=%d tris=%d dur=%.2fms",
		e.Time.UTC().Format("15:04:05.000"), e.Key, e.Outcome, e.Backend, e.Attempts, e.Triangles, e.DurationMS)
	if e.Error != "" {
		line += " err=" + e.Error
	}
	fmt.Println(line)
}

// percentile expects sorted input.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	i := int(p * float64(len(sorted)-1))
	return sorted[i]
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
