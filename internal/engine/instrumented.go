package engine

import (
	"context"

	"github.com/italolelis/magnet_relay/internal/telemetry"
)

// Instrumented wraps an Engine with spans and operation metrics.
type Instrumented struct {
	engine    Engine
	telemetry *telemetry.Telemetry
	name      string
}

// NewInstrumented creates a new instrumented engine.
func NewInstrumented(e Engine, tel *telemetry.Telemetry, name string) *Instrumented {
	return &Instrumented{
		engine:    e,
		telemetry: tel,
		name:      name,
	}
}

// Submit submits a descriptor with telemetry.
func (i *Instrumented) Submit(ctx context.Context, descriptor Descriptor, savePath string) (Handle, error) {
	var h Handle

	err := i.telemetry.InstrumentEngineOperation(ctx, i.name, "submit", func(ctx context.Context) error {
		var err error

		h, err = i.engine.Submit(ctx, descriptor, savePath)

		return err
	})
	if err != nil {
		return "", err
	}

	return h, nil
}

// Poll polls a handle with telemetry.
func (i *Instrumented) Poll(ctx context.Context, h Handle) (Status, error) {
	var status Status

	err := i.telemetry.InstrumentEngineOperation(ctx, i.name, "poll", func(ctx context.Context) error {
		var err error

		status, err = i.engine.Poll(ctx, h)

		return err
	})
	if err != nil {
		return Status{}, err
	}

	return status, nil
}

// Cancel cancels a handle with telemetry.
func (i *Instrumented) Cancel(ctx context.Context, h Handle) error {
	return i.telemetry.InstrumentEngineOperation(ctx, i.name, "cancel", func(ctx context.Context) error {
		return i.engine.Cancel(ctx, h)
	})
}
