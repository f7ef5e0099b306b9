// Package noop is the profiler used when profiling is disabled.
package noop

import (
	"context"

	"accelrun/core/profiling"
)

// Controller starts sessions that observe nothing.
type Controller struct{}

func NewController() *Controller {
	return &Controller{}
}

func (c *Controller) Start(ctx context.Context, target profiling.Target) (profiling.Session, error) {
	events := make(chan profiling.Event)
	errs := make(chan error)
	close(events)
	close(errs)
	return session{events: events, errs: errs}, nil
}

func (c *Controller) Capabilities() profiling.Capabilities {
	return profiling.Capabilities{}
}

type session struct {
	events chan profiling.Event
	errs   chan error
}

func (s session) Events() <-chan profiling.Event { return s.events }
func (s session) Errors() <-chan error           { return s.errs }
func (s session) Close() error                   { return nil }

var (
	_ profiling.Controller = (*Controller)(nil)
	_ profiling.Session    = session{}
)
