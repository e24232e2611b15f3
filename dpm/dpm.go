// Package dpm exposes dynamic power management: per-device clock frequency
// requests aggregated into quality-of-service votes.
package dpm

import "context"

// QoSRequest asks for a minimum clock frequency, in hertz, on one device.
type QoSRequest struct {
	DeviceName  string
	FrequencyHz int64
}

// ClockRequest sets a device clock to an exact rate, in hertz.
type ClockRequest struct {
	DeviceName  string
	FrequencyHz int64
}

// Controller applies clock and QoS requests and reports effective rates.
// Implementations vote into a platform clock framework; tests use the fake.
type Controller interface {
	UpdateClocks(ctx context.Context, reqs []ClockRequest) error
	UpdateQoS(ctx context.Context, reqs []QoSRequest) error
	ClockFrequency(ctx context.Context, deviceName string) (int64, error)
}
