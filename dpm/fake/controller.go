// Package fake provides an in-memory dpm.Controller for tests.
package fake

import (
	"context"
	"sync"

	"go.viam.com/devio/dpm"
	"go.viam.com/devio/utils"
)

// Controller keeps the highest requested frequency per device.
type Controller struct {
	mu    sync.Mutex
	freqs map[string]int64
	seen  []dpm.QoSRequest
}

// NewController returns an empty controller.
func NewController() *Controller {
	return &Controller{freqs: map[string]int64{}}
}

// UpdateClocks records each exact-rate request.
func (c *Controller) UpdateClocks(ctx context.Context, reqs []dpm.ClockRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, req := range reqs {
		if req.DeviceName == "" || req.FrequencyHz < 0 {
			return utils.NewInvalidArgumentError("clock request %+v", req)
		}
		c.freqs[req.DeviceName] = req.FrequencyHz
	}
	return nil
}

// UpdateQoS records each request, keeping the maximum frequency seen per
// device.
func (c *Controller) UpdateQoS(ctx context.Context, reqs []dpm.QoSRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, req := range reqs {
		if req.DeviceName == "" || req.FrequencyHz < 0 {
			return utils.NewInvalidArgumentError("qos request %+v", req)
		}
		c.seen = append(c.seen, req)
		if req.FrequencyHz > c.freqs[req.DeviceName] {
			c.freqs[req.DeviceName] = req.FrequencyHz
		}
	}
	return nil
}

// ClockFrequency returns the recorded frequency for a device.
func (c *Controller) ClockFrequency(ctx context.Context, deviceName string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	freq, ok := c.freqs[deviceName]
	if !ok {
		return 0, utils.NewNotFoundError("no clock vote for device %q", deviceName)
	}
	return freq, nil
}

// Requests returns every request seen, in order.
func (c *Controller) Requests() []dpm.QoSRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dpm.QoSRequest(nil), c.seen...)
}
