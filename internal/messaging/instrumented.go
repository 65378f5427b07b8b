package messaging

import (
	"context"

	"github.com/italolelis/magnet_relay/internal/telemetry"
)

// Instrumented wraps a Gateway with spans and operation metrics.
type Instrumented struct {
	gateway   Gateway
	telemetry *telemetry.Telemetry
}

func NewInstrumented(g Gateway, tel *telemetry.Telemetry) *Instrumented {
	return &Instrumented{gateway: g, telemetry: tel}
}

func (i *Instrumented) Notify(ctx context.Context, chat ChatID, text string) (Target, error) {
	var target Target

	err := i.telemetry.InstrumentGatewayOperation(ctx, "notify", func(ctx context.Context) error {
		var err error

		target, err = i.gateway.Notify(ctx, chat, text)

		return err
	})

	return target, err
}

func (i *Instrumented) UpdateNotification(ctx context.Context, target Target, text string) error {
	return i.telemetry.InstrumentGatewayOperation(ctx, "update_notification", func(ctx context.Context) error {
		return i.gateway.UpdateNotification(ctx, target, text)
	})
}

func (i *Instrumented) DeleteNotification(ctx context.Context, target Target) error {
	return i.telemetry.InstrumentGatewayOperation(ctx, "delete_notification", func(ctx context.Context) error {
		return i.gateway.DeleteNotification(ctx, target)
	})
}

func (i *Instrumented) SendFile(ctx context.Context, chat ChatID, path, displayName, caption string) error {
	return i.telemetry.InstrumentGatewayOperation(ctx, "send_file", func(ctx context.Context) error {
		return i.gateway.SendFile(ctx, chat, path, displayName, caption)
	})
}

func (i *Instrumented) Reply(ctx context.Context, chat ChatID, text string) error {
	return i.telemetry.InstrumentGatewayOperation(ctx, "reply", func(ctx context.Context) error {
		return i.gateway.Reply(ctx, chat, text)
	})
}
