// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"

	"github.com/relabs-tech/motion_tracker/internal/imu"
)

// BatchSource produces the raw batches of one notification at a time.
// Settings reports the settings block of each sensor so the caller can
// reconcile ODRs before the first batch is processed.
type BatchSource interface {
	Settings() [imu.SensorCount]imu.Settings
	NextBatches(ctx context.Context) ([]imu.RawBatch, error)
	Close() error
}
