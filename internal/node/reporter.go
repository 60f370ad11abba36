package node

import (
	"context"
	"log/slog"
	"time"

	"ble-locator.klederson.com/internal/model"
	"ble-locator.klederson.com/internal/position"
)

// mirror is the part of mqtt.Mirror the reporter uses.
type mirror interface {
	PublishTelemetry(t model.Telemetry) error
	PublishCalibration(data []model.CalibrationData, at time.Time) error
}

// mirrorReporter forwards engine results to the session and copies them to
// the MQTT mirror. Mirror failures never reach the engine.
type mirrorReporter struct {
	position.Reporter
	mirror mirror
	logger *slog.Logger
}

func (r *mirrorReporter) ReportTelemetry(ctx context.Context, t model.Telemetry) error {
	if err := r.mirror.PublishTelemetry(t.Clone()); err != nil {
		r.logger.Debug("telemetry not mirrored", "error", err)
	}
	return r.Reporter.ReportTelemetry(ctx, t)
}

func (r *mirrorReporter) CalibrationFinished(ctx context.Context, data []model.CalibrationData) error {
	if err := r.mirror.PublishCalibration(model.CloneCalibration(data), time.Now()); err != nil {
		r.logger.Debug("calibration not mirrored", "error", err)
	}
	return r.Reporter.CalibrationFinished(ctx, data)
}
