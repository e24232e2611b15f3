package fake

import (
	"go.viam.com/devio/busmanager"
	"go.viam.com/devio/device"
	"go.viam.com/devio/fence"
	iofake "go.viam.com/devio/ioentry/fake"
	"go.viam.com/devio/logging"
)

const registerBlockSize = 256

// Device is a register-backed device for tests: a real device wired to a
// fake executor and power sequencer, both exposed for inspection.
type Device struct {
	*device.Device

	Executor *iofake.Executor
	Power    *PowerSequencer
}

// NewDevice builds a fake device with a single zeroed register block at block
// id 0. bus may be empty for devices with a dedicated link; buses may be nil
// when it is.
func NewDevice(name, bus string, fences *fence.Registry, buses *busmanager.Registry,
	logger logging.Logger,
) (*Device, error) {
	exec := iofake.NewExecutor(registerBlockSize, 0)
	power := NewPowerSequencer()
	dev, err := device.NewDevice(device.Config{
		Name:     name,
		Type:     "fake",
		Bus:      bus,
		Executor: exec,
		Power:    power,
	}, fences, buses, logger)
	if err != nil {
		return nil, err
	}
	return &Device{Device: dev, Executor: exec, Power: power}, nil
}
