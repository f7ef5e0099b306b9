//go:build !linux

package ebpf

import (
	"context"

	"github.com/pkg/errors"

	"accelrun/core/profiling"
)

// Controller fails every Start outside Linux.
type Controller struct {
	cfg Config
}

func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

func (c *Controller) Start(ctx context.Context, target profiling.Target) (profiling.Session, error) {
	return nil, errors.New("eBPF profiling is only available on Linux")
}

func (c *Controller) Capabilities() profiling.Capabilities {
	return profiling.Capabilities{}
}

var _ profiling.Controller = (*Controller)(nil)
