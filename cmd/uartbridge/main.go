// Command uartbridge exposes host serial ports as the CDC-ACM functions of a
// composite USB device.
//
// The device side of the bus is the FIFO transport: the bridge creates its
// device directory under the configured bus directory and a FIFO host
// enumerates it from there. Each configured channel binds one serial port to
// one virtual COM port.
//
// Usage:
//
//	uartbridge [options]
//
// Options:
//
//	-c, --config file             configuration file (default: usbuart.yaml in /etc/usbuart or .)
//	-v, --verbose                 enable debug logging
//	    --log.level level         log level (debug, info, warn, error)
//	    --log.format format       log format (text, json)
//	    --log.file path           rotate logs into path instead of stderr
//	    --usb.bus_dir dir         FIFO bus directory
//	    --usb.zero_length_packets terminate packet-aligned IN runs with a ZLP
//	    --uart.error_policy p     reaction to UART runtime errors (halt, resume)
//	    --metrics.addr addr       serve Prometheus metrics on addr
//	    --metrics.pprof           serve pprof handlers next to the metrics
//	    --profile.cpu path        write a CPU profile to path
//	    --profile.heap path       write a heap profile to path on exit
//
// Every option can also be set with a USBUART_* environment variable, e.g.
// USBUART_LOG_LEVEL=debug.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/usbuart/device"
	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/device/hal/fifo"
	"github.com/ardnew/usbuart/device/hal/serialport"
	"github.com/ardnew/usbuart/pkg"
	"github.com/ardnew/usbuart/pkg/config"
	"github.com/ardnew/usbuart/pkg/metrics"
	"github.com/ardnew/usbuart/pkg/prof"
)

// component identifies this executable for structured logging.
const component = pkg.ComponentStack

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		pkg.LogError(component, "bridge stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("uartbridge", pflag.ContinueOnError)
	config.RegisterFlags(flags)
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	if err := flags.Parse(args); err != nil {
		return err
	}

	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, flags)
	if err != nil {
		return err
	}
	closeLog, err := setupLogging(cfg.Log, *verbose)
	if err != nil {
		return err
	}
	defer closeLog()

	logConfigSource(cfg)

	if cfg.Profile.CPU != "" {
		stopCPU, err := prof.StartCPU(fs, cfg.Profile.CPU)
		if err != nil {
			return err
		}
		defer stopCPU()
	}
	if cfg.Profile.Heap != "" {
		defer func() {
			if err := prof.Write(fs, prof.ProfileHeap, cfg.Profile.Heap); err != nil {
				pkg.LogWarn(component, "heap profile not written", "error", err)
			}
		}()
	}

	tr := fifo.New(cfg.USB.BusDir)

	ports := make([]*serialport.UART, len(cfg.Channels))
	uarts := make([]hal.UART, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		ports[i] = serialport.New(hal.UARTID(ch.Port), ch.Port)
		uarts[i] = ports[i]
	}

	dev, err := build(cfg, tr, uarts)
	if err != nil {
		return err
	}

	stack := device.NewStack(dev.table, dev.dispatcher, tr, cfg.StackOptions())
	stack.SetUARTEventHandler(dev.module)
	for _, p := range ports {
		p.Attach(stack)
	}

	if err := tr.Start(stack); err != nil {
		return err
	}
	defer tr.Stop()

	pkg.LogInfo(component, "bridge started",
		"busDir", cfg.USB.BusDir, "deviceDir", tr.DeviceDir(),
		"channels", dev.registry.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stack.Run(gctx) })
	if cfg.Metrics.Addr != "" {
		mux := metrics.NewMux(metrics.NewRegistry(metrics.NewCollector(dev.registry, stack)))
		if cfg.Metrics.PProf {
			prof.Register(mux)
		}
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr, mux) })
	}
	return g.Wait()
}
