package cdc

import (
	"fmt"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// MaxChannels is the capacity of a Registry.
const MaxChannels = 8

// Registry is the ordered channel table. Lookups scan it linearly; a miss
// returns false and the event is a no-op for the CDC module.
type Registry struct {
	bridges [MaxChannels]*Bridge
	count   int
}

// NewRegistry creates a registry holding bridges in order.
func NewRegistry(bridges ...*Bridge) (*Registry, error) {
	r := &Registry{}
	for _, b := range bridges {
		if err := r.Add(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add appends b. Endpoint addresses, interface numbers, and UART identities
// must be unique across the table.
func (r *Registry) Add(b *Bridge) error {
	if b == nil {
		return fmt.Errorf("registry: nil bridge: %w", pkg.ErrInvalidParameter)
	}
	if r.count >= MaxChannels {
		return fmt.Errorf("registry: channel %d: %w", b.index, pkg.ErrNoResources)
	}

	c := b.cfg
	for _, other := range r.All() {
		o := other.cfg
		switch {
		case c.UART == o.UART:
			return fmt.Errorf("registry: uart %q already owned by channel %d: %w", c.UART, other.index, pkg.ErrInvalidParameter)
		case overlaps([]uint8{c.DataIn, c.DataOut, c.Command}, []uint8{o.DataIn, o.DataOut, o.Command}):
			return fmt.Errorf("registry: channel %d endpoints collide with channel %d: %w", b.index, other.index, pkg.ErrInvalidEndpoint)
		case overlaps([]uint8{c.ControlInterface, c.DataInterface}, []uint8{o.ControlInterface, o.DataInterface}):
			return fmt.Errorf("registry: channel %d interfaces collide with channel %d: %w", b.index, other.index, pkg.ErrInvalidParameter)
		}
	}
	if c.DataIn == c.Command || c.ControlInterface == c.DataInterface {
		return fmt.Errorf("registry: channel %d reuses an address: %w", b.index, pkg.ErrInvalidParameter)
	}

	r.bridges[r.count] = b
	r.count++
	pkg.LogDebug(pkg.ComponentRegistry, "channel registered",
		"channel", b.index, "uart", c.UART, "dataIn", c.DataIn, "dataOut", c.DataOut,
		"command", c.Command, "interface", c.ControlInterface)
	return nil
}

func overlaps(a, b []uint8) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// Len returns the number of channels.
func (r *Registry) Len() int { return r.count }

// All returns the channels in registration order.
func (r *Registry) All() []*Bridge { return r.bridges[:r.count] }

// ByUART returns the channel owning the UART id.
func (r *Registry) ByUART(id hal.UARTID) (*Bridge, bool) {
	for _, b := range r.All() {
		if b.cfg.UART == id {
			return b, true
		}
	}
	return nil, false
}

// ByDataIn returns the channel whose bulk IN endpoint number is epnum.
func (r *Registry) ByDataIn(epnum uint8) (*Bridge, bool) {
	for _, b := range r.All() {
		if b.cfg.DataIn&0x0F == epnum&0x0F {
			return b, true
		}
	}
	return nil, false
}

// ByDataOut returns the channel whose bulk OUT endpoint number is epnum.
func (r *Registry) ByDataOut(epnum uint8) (*Bridge, bool) {
	for _, b := range r.All() {
		if b.cfg.DataOut&0x0F == epnum&0x0F {
			return b, true
		}
	}
	return nil, false
}

// ByInterface returns the channel whose control interface is itf.
func (r *Registry) ByInterface(itf uint8) (*Bridge, bool) {
	for _, b := range r.All() {
		if b.cfg.ControlInterface == itf {
			return b, true
		}
	}
	return nil, false
}
