package density

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
)

var (
	ErrNoAdapter = errors.New("no compute adapter available")
	ErrClosed    = errors.New("backend closed")
)

// Backend produces the density field for one chunk. origin is the world
// position of lattice point (0,0,0). Implementations must return a field of
// gc.Shape in row-major order.
type Backend interface {
	Name() string
	// Transient reports whether an all-one-sign field may be a glitch worth
	// retrying rather than genuinely empty space.
	Transient() bool
	Synthesize(ctx context.Context, gc *Context, origin mgl32.Vec3) (*Field, error)
}

type Kind string

const (
	KindCPU         Kind = "cpu"
	KindAccelerator Kind = "accelerator"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindCPU:
		return KindCPU, nil
	case KindAccelerator, "gpu":
		return KindAccelerator, nil
	default:
		return KindCPU, fmt.Errorf("unknown backend %q", s)
	}
}
