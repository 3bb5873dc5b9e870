package main

import (
	"fmt"

	"github.com/ardnew/usbuart/device"
	"github.com/ardnew/usbuart/device/class/cdc"
	"github.com/ardnew/usbuart/device/composite"
	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
	"github.com/ardnew/usbuart/pkg/config"
)

// bridgeDevice is the class side of the device, ready for a Stack.
type bridgeDevice struct {
	table      *device.Table
	registry   *cdc.Registry
	module     *cdc.Module
	dispatcher *composite.Dispatcher
}

// build creates one bridge per configured channel, in order, on uarts[i],
// and the descriptor table describing them.
func build(cfg *config.Config, transport hal.Transport, uarts []hal.UART) (*bridgeDevice, error) {
	channels := cfg.ChannelConfigs()
	if len(uarts) != len(channels) {
		return nil, fmt.Errorf("%d uarts for %d channels: %w", len(uarts), len(channels), pkg.ErrInvalidParameter)
	}

	opts := cfg.BridgeOptions()
	registry := &cdc.Registry{}
	functions := make([][]byte, 0, len(channels))
	for i, ch := range channels {
		b, err := cdc.NewBridge(i, ch, uarts[i], transport, opts)
		if err != nil {
			return nil, err
		}
		b.SetOnLineCodingChange(func(index int, lc cdc.LineCoding) {
			pkg.LogInfo(pkg.ComponentBridge, "line coding changed",
				"channel", index, "name", ch.Name, "lineCoding", lc.String())
		})
		if err := registry.Add(b); err != nil {
			return nil, err
		}
		functions = append(functions, cdc.FunctionDescriptor(b.Config()))
	}

	table, err := device.NewTable(cfg.Identity(), functions...)
	if err != nil {
		return nil, err
	}

	module := cdc.NewModule(registry, transport)
	dispatcher := composite.New(table.Configuration())
	if err := dispatcher.Register(module); err != nil {
		return nil, err
	}

	return &bridgeDevice{
		table:      table,
		registry:   registry,
		module:     module,
		dispatcher: dispatcher,
	}, nil
}
