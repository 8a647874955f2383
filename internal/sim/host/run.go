package host

import (
	"context"
	"time"
)

// Dispatcher runs f on the host's update thread and returns when it is done.
// The server passes mainthread.Call; tests pass Inline.
type Dispatcher func(f func())

func Inline(f func()) { f() }

// Run calls Frame at hz through call until ctx is done.
func (s *Scene) Run(ctx context.Context, hz int, call Dispatcher) error {
	if hz <= 0 {
		hz = 60
	}
	if call == nil {
		call = Inline
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			call(func() { s.Frame() })
		}
	}
}
