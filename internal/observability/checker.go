package observability

import (
	"context"
	"errors"
)

// Checker reports the health of one dependency in the readiness probe.
// Implementations must respect ctx and be safe for concurrent use.
type Checker interface {
	// Name identifies the component in the probe body (e.g., "postgres", "redis", "sdk").
	Name() string
	Check(ctx context.Context) error
}

// ErrNotSynchronized is reported until the first synchronization finished.
var ErrNotSynchronized = errors.New("initial synchronization not finished")

// ReadyChecker turns the SDK readiness signal into a Checker so the pod only
// receives traffic once flags are loaded.
type ReadyChecker struct {
	ready <-chan struct{}
}

// NewReadyChecker creates a checker over the channel closed when the SDK is ready.
func NewReadyChecker(ready <-chan struct{}) *ReadyChecker {
	if ready == nil {
		panic("observability: ready channel cannot be nil")
	}
	return &ReadyChecker{ready: ready}
}

func (c *ReadyChecker) Name() string { return "sdk" }

func (c *ReadyChecker) Check(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	default:
		return ErrNotSynchronized
	}
}
