// Command cdcprobe inspects a composite CDC-ACM device from the host side.
//
// It opens the device by VID:PID through libusb, lists every function in its
// configuration descriptor, and reads the line coding of each CDC-ACM
// control interface. With --baud it first sets that data rate on every
// channel.
//
// Usage:
//
//	cdcprobe [options]
//
// Options:
//
//	--vid id          vendor ID (default 0x0483)
//	--pid id          product ID (default 0x5740)
//	--baud rate       set this data rate, 8N1, on every channel
//	--usb-ids path    USB ID database (default: system locations)
//	-v, --verbose     enable debug logging
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/gousb"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/ardnew/usbuart/device"
	"github.com/ardnew/usbuart/pkg"
	"github.com/ardnew/usbuart/pkg/linux/usbid"
)

// component identifies this executable for structured logging.
const component = pkg.ComponentProbe

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		pkg.LogError(component, "probe failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("cdcprobe", pflag.ContinueOnError)
	vid := flags.Uint16("vid", device.DefaultVendorID, "vendor ID")
	pid := flags.Uint16("pid", device.DefaultProductID, "product ID")
	baud := flags.Uint32("baud", 0, "set this data rate, 8N1, on every channel")
	idsPath := flags.String("usb-ids", "", "USB ID database")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}

	var paths []string
	if *idsPath != "" {
		paths = append(paths, *idsPath)
	}
	db := usbid.New(afero.NewOsFs(), paths...)
	if path, ok := db.Load(); ok {
		pkg.LogDebug(component, "usb id database loaded", "path", path)
	}

	ctx := gousb.NewContext()
	defer ctx.Close()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(*vid), gousb.ID(*pid))
	if err != nil {
		return fmt.Errorf("open %04x:%04x: %w", *vid, *pid, err)
	}
	if dev == nil {
		return fmt.Errorf("device %04x:%04x: %w", *vid, *pid, pkg.ErrNotConfigured)
	}
	defer dev.Close()

	fmt.Fprintf(out, "%s\n", db.Describe(*vid, *pid))
	for _, s := range []struct {
		label string
		read  func() (string, error)
	}{
		{"manufacturer", dev.Manufacturer},
		{"product", dev.Product},
		{"serial", dev.SerialNumber},
	} {
		v, err := s.read()
		if err != nil {
			pkg.LogWarn(component, "string descriptor unavailable", "field", s.label, "error", err)
			continue
		}
		fmt.Fprintf(out, "  %-13s %s\n", s.label+":", v)
	}

	return probe(dev, db, out, *baud)
}
