package main

import (
	"context"
	"log/slog"

	"github.com/yusliao/mesevents/pkg/mesevents/event"
	"github.com/yusliao/mesevents/pkg/mesevents/registry"
)

// newRegistry wires the reactive concerns of the backend. The reporting,
// resource, inventory and notification services live outside this process,
// so each reactor records what it would hand them.
func newRegistry(logger *slog.Logger) *registry.Registry {
	b := registry.NewBuilder()

	registry.On(b, "report-generation",
		func(ctx context.Context, e *event.Envelope, p event.ProductionBatchCompletedEvent) error {
			logger.InfoContext(ctx, "production report requested",
				slog.String("event_id", e.EventID),
				slog.String("batch", p.BatchNumber),
				slog.Int("actual_quantity", p.ActualQuantity),
				slog.String("yield_rate", p.YieldRate.String()))
			return nil
		})

	registry.On(b, "resource-release",
		func(ctx context.Context, e *event.Envelope, p event.ProductionBatchCompletedEvent) error {
			logger.InfoContext(ctx, "batch resources released",
				slog.String("event_id", e.EventID),
				slog.String("batch", p.BatchNumber))
			return nil
		})

	registry.On(b, "inventory-sync",
		func(ctx context.Context, e *event.Envelope, p event.MaterialConsumedEvent) error {
			logger.InfoContext(ctx, "inventory decremented",
				slog.String("event_id", e.EventID),
				slog.String("batch", p.BatchNumber),
				slog.String("material", p.MaterialCode),
				slog.String("quantity", p.Quantity.String()),
				slog.String("unit", p.Unit))
			return nil
		})

	registry.On(b, "quality-notification",
		func(ctx context.Context, e *event.Envelope, p event.QualityInspectionCompletedEvent) error {
			if p.Passed {
				return nil
			}
			logger.WarnContext(ctx, "inspection failed, notifying quality team",
				slog.String("event_id", e.EventID),
				slog.String("batch", p.BatchNumber),
				slog.String("inspection", p.InspectionID),
				slog.Int("defects", p.DefectCount))
			return nil
		})

	registry.On(b, "equipment-notification",
		func(ctx context.Context, e *event.Envelope, p event.EquipmentStatusChangedEvent) error {
			logger.InfoContext(ctx, "equipment status changed",
				slog.String("event_id", e.EventID),
				slog.String("equipment", p.EquipmentCode),
				slog.String("from", p.PreviousStatus),
				slog.String("to", p.CurrentStatus),
				slog.String("reason", p.Reason))
			return nil
		})

	return b.Build()
}
