package main

import (
	"fmt"
	"io"

	"github.com/ardnew/usbuart/device"
	"github.com/ardnew/usbuart/device/class/cdc"
	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
	"github.com/ardnew/usbuart/pkg/linux/usbid"
)

// controller issues control transfers on the default pipe. *gousb.Device
// implements it.
type controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

const (
	requestTypeClassIn  = hal.RequestDirectionDeviceToHost | hal.RequestTypeClass | hal.RequestRecipientInterface
	requestTypeClassOut = hal.RequestDirectionHostToDevice | hal.RequestTypeClass | hal.RequestRecipientInterface
)

type endpointInfo struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
}

type interfaceInfo struct {
	Number    uint8
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Endpoints []endpointInfo
}

// function is one interface association, or a lone interface outside any.
type function struct {
	FirstInterface uint8
	Count          uint8
	Class          uint8
	Interfaces     []interfaceInfo
}

func (f *function) owns(number uint8) bool {
	return number >= f.FirstInterface && number < f.FirstInterface+f.Count
}

// readConfiguration fetches the complete configuration descriptor: the
// header first, then wTotalLength bytes.
func readConfiguration(c controller) ([]byte, error) {
	var (
		setup  device.SetupPacket
		header [device.ConfigurationDescriptorSize]byte
	)
	device.GetDescriptorSetup(&setup, device.DescriptorTypeConfiguration, 0, uint16(len(header)))
	n, err := c.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, header[:])
	if err != nil {
		return nil, fmt.Errorf("get configuration header: %w", err)
	}
	var cd device.ConfigurationDescriptor
	if err := device.ParseConfigurationDescriptor(header[:n], &cd); err != nil {
		return nil, err
	}

	buf := make([]byte, cd.TotalLength)
	device.GetDescriptorSetup(&setup, device.DescriptorTypeConfiguration, 0, cd.TotalLength)
	n, err = c.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, buf)
	if err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}
	if n < int(cd.TotalLength) {
		return nil, fmt.Errorf("configuration: got %d of %d bytes: %w", n, cd.TotalLength, pkg.ErrDescriptorTooShort)
	}
	return buf, nil
}

// parseFunctions groups the interfaces of a configuration descriptor by
// their interface association.
func parseFunctions(cfg []byte) ([]function, error) {
	var (
		functions []function
		current   *function
		iface     *interfaceInfo
	)
	for off := 0; off < len(cfg); {
		length := int(cfg[off])
		if length < 2 || off+length > len(cfg) {
			return nil, fmt.Errorf("descriptor at offset %d: %w", off, pkg.ErrDescriptorTooShort)
		}
		d := cfg[off : off+length]

		switch d[1] {
		case device.DescriptorTypeInterfaceAssociation:
			var iad device.InterfaceAssociationDescriptor
			if err := device.ParseInterfaceAssociationDescriptor(d, &iad); err != nil {
				return nil, fmt.Errorf("association at offset %d: %w", off, err)
			}
			functions = append(functions, function{
				FirstInterface: iad.FirstInterface,
				Count:          iad.InterfaceCount,
				Class:          iad.FunctionClass,
			})
			current = &functions[len(functions)-1]
			iface = nil

		case device.DescriptorTypeInterface:
			var id device.InterfaceDescriptor
			if err := device.ParseInterfaceDescriptor(d, &id); err != nil {
				return nil, fmt.Errorf("interface at offset %d: %w", off, err)
			}
			if current == nil || !current.owns(id.InterfaceNumber) {
				functions = append(functions, function{
					FirstInterface: id.InterfaceNumber,
					Count:          1,
					Class:          id.InterfaceClass,
				})
				current = &functions[len(functions)-1]
			}
			current.Interfaces = append(current.Interfaces, interfaceInfo{
				Number:   id.InterfaceNumber,
				Class:    id.InterfaceClass,
				SubClass: id.InterfaceSubClass,
				Protocol: id.InterfaceProtocol,
			})
			iface = &current.Interfaces[len(current.Interfaces)-1]

		case device.DescriptorTypeEndpoint:
			if iface == nil {
				return nil, fmt.Errorf("endpoint outside interface: %w", pkg.ErrProtocol)
			}
			var ed device.EndpointDescriptor
			if err := device.ParseEndpointDescriptor(d, &ed); err != nil {
				return nil, fmt.Errorf("endpoint at offset %d: %w", off, err)
			}
			iface.Endpoints = append(iface.Endpoints, endpointInfo{
				Address:       ed.EndpointAddress,
				Attributes:    ed.Attributes,
				MaxPacketSize: ed.MaxPacketSize,
			})
		}
		off += length
	}
	return functions, nil
}

// getLineCoding issues GET_LINE_CODING to a control interface.
func getLineCoding(c controller, itf uint8) (cdc.LineCoding, error) {
	var buf [cdc.LineCodingSize]byte
	n, err := c.Control(requestTypeClassIn, cdc.RequestGetLineCoding, 0, uint16(itf), buf[:])
	if err != nil {
		return cdc.LineCoding{}, fmt.Errorf("interface %d: get line coding: %w", itf, err)
	}
	var lc cdc.LineCoding
	if !cdc.ParseLineCoding(buf[:n], &lc) {
		return cdc.LineCoding{}, fmt.Errorf("interface %d: line coding of %d bytes: %w", itf, n, pkg.ErrMalformedRequest)
	}
	return lc, nil
}

// setLineCoding issues SET_LINE_CODING to a control interface.
func setLineCoding(c controller, itf uint8, lc cdc.LineCoding) error {
	var buf [cdc.LineCodingSize]byte
	lc.MarshalTo(buf[:])
	if _, err := c.Control(requestTypeClassOut, cdc.RequestSetLineCoding, 0, uint16(itf), buf[:]); err != nil {
		return fmt.Errorf("interface %d: set line coding: %w", itf, err)
	}
	return nil
}

// isACMControl reports whether itf is a CDC-ACM communications interface.
func isACMControl(itf interfaceInfo) bool {
	return itf.Class == cdc.ClassCDC && itf.SubClass == cdc.SubclassACM
}

// probe lists every function of the device and the line coding of each
// CDC-ACM channel. A non-zero baud is applied, 8N1, to every channel first.
func probe(c controller, db *usbid.Database, out io.Writer, baud uint32) error {
	cfg, err := readConfiguration(c)
	if err != nil {
		return err
	}
	functions, err := parseFunctions(cfg)
	if err != nil {
		return err
	}

	channel := 0
	for _, f := range functions {
		fmt.Fprintf(out, "function: interfaces %d-%d class 0x%02X %s\n",
			f.FirstInterface, f.FirstInterface+f.Count-1, f.Class, db.LookupClass(f.Class))
		for _, itf := range f.Interfaces {
			fmt.Fprintf(out, "  interface %d: class 0x%02X/0x%02X %s\n",
				itf.Number, itf.Class, itf.SubClass, className(db, itf))
			for _, ep := range itf.Endpoints {
				fmt.Fprintf(out, "    endpoint 0x%02X: %s, %d bytes\n",
					ep.Address, transferTypeName(ep.Attributes), ep.MaxPacketSize)
			}

			if !isACMControl(itf) {
				continue
			}
			if baud != 0 {
				lc := cdc.DefaultLineCoding
				lc.DTERate = baud
				if err := setLineCoding(c, itf.Number, lc); err != nil {
					return err
				}
				pkg.LogInfo(component, "line coding set", "channel", channel, "interface", itf.Number, "lineCoding", lc.String())
			}
			lc, err := getLineCoding(c, itf.Number)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "    channel %d line coding: %s\n", channel, lc)
			channel++
		}
	}
	return nil
}

func className(db *usbid.Database, itf interfaceInfo) string {
	if name := db.LookupSubclass(itf.Class, itf.SubClass); name != "" {
		return name
	}
	return db.LookupClass(itf.Class)
}

func transferTypeName(attributes uint8) string {
	switch attributes & 0x03 {
	case hal.EndpointTypeControl:
		return "control"
	case hal.EndpointTypeIsochronous:
		return "isochronous"
	case hal.EndpointTypeBulk:
		return "bulk"
	default:
		return "interrupt"
	}
}
