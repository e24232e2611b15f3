// Package fake provides in-memory device collaborators for tests.
package fake

import (
	"context"
	"sync"
)

// PowerSequencer records power transitions and optionally injects failures.
type PowerSequencer struct {
	mu sync.Mutex

	poweredOn  bool
	upCount    int
	downCount  int
	failUp     error
	failDown   error
	transcript []string
}

// NewPowerSequencer returns a powered-off sequencer.
func NewPowerSequencer() *PowerSequencer {
	return &PowerSequencer{}
}

// PowerUp brings the fake device up.
func (p *PowerSequencer) PowerUp(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failUp != nil {
		err := p.failUp
		p.failUp = nil
		return err
	}
	p.poweredOn = true
	p.upCount++
	p.transcript = append(p.transcript, "up")
	return nil
}

// PowerDown brings the fake device down.
func (p *PowerSequencer) PowerDown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDown != nil {
		err := p.failDown
		p.failDown = nil
		return err
	}
	p.poweredOn = false
	p.downCount++
	p.transcript = append(p.transcript, "down")
	return nil
}

// PoweredOn reports the current power state.
func (p *PowerSequencer) PoweredOn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.poweredOn
}

// Counts returns the number of power-up and power-down transitions.
func (p *PowerSequencer) Counts() (up, down int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upCount, p.downCount
}

// FailNextPowerUp makes the next PowerUp call return err.
func (p *PowerSequencer) FailNextPowerUp(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failUp = err
}

// FailNextPowerDown makes the next PowerDown call return err.
func (p *PowerSequencer) FailNextPowerDown(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failDown = err
}

// Transcript returns the ordered power transitions seen so far.
func (p *PowerSequencer) Transcript() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.transcript...)
}
