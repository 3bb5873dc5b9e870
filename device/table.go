package device

import (
	"fmt"

	"github.com/ardnew/usbuart/pkg"
)

// Default identity of the composite bridge.
const (
	DefaultVendorID      = 0x0483
	DefaultProductID     = 0x5740
	DefaultDeviceVersion = 0x0200
	DefaultManufacturer  = "Acme"
	DefaultProduct       = "CDC"
	DefaultMaxPower      = 50 // 100 mA in 2 mA units
)

// String descriptor indexes.
const (
	StringIndexLanguage     = 0
	StringIndexManufacturer = 1
	StringIndexProduct      = 2
	StringIndexSerial       = 3
)

// Identity describes the device-level descriptors.
type Identity struct {
	VendorID      uint16
	ProductID     uint16
	DeviceVersion uint16
	Manufacturer  string
	Product       string
	UniqueID      [3]uint32 // 96-bit silicon ID the serial number derives from
}

// DefaultIdentity returns the identity used when nothing is configured.
func DefaultIdentity() Identity {
	return Identity{
		VendorID:      DefaultVendorID,
		ProductID:     DefaultProductID,
		DeviceVersion: DefaultDeviceVersion,
		Manufacturer:  DefaultManufacturer,
		Product:       DefaultProduct,
	}
}

// SerialNumber derives the 12-digit serial string from a 96-bit unique ID:
// eight hex digits of word0+word2 followed by the top four hex digits of
// word1.
func SerialNumber(uid [3]uint32) string {
	return fmt.Sprintf("%08X%04X", uid[0]+uid[2], uid[1]>>16)
}

// BuildConfiguration prepends a configuration descriptor to the given
// function blocks. The total length and the interface count are computed
// from the blocks; cfg supplies the remaining fields.
func BuildConfiguration(cfg ConfigurationDescriptor, functions ...[]byte) ([]byte, error) {
	total := ConfigurationDescriptorSize
	numInterfaces := 0
	for _, fn := range functions {
		n, err := countInterfaces(fn)
		if err != nil {
			return nil, err
		}
		numInterfaces += n
		total += len(fn)
	}
	if total > 0xFFFF {
		return nil, fmt.Errorf("configuration length %d: %w", total, pkg.ErrInvalidParameter)
	}
	if numInterfaces > MaxInterfacesPerConfiguration*2 {
		return nil, fmt.Errorf("%d interfaces: %w", numInterfaces, pkg.ErrNoResources)
	}

	cfg.TotalLength = uint16(total)
	cfg.NumInterfaces = uint8(numInterfaces)

	buf := make([]byte, total)
	n := cfg.MarshalTo(buf)
	for _, fn := range functions {
		n += copy(buf[n:], fn)
	}
	return buf, nil
}

// countInterfaces walks a descriptor block and counts interface descriptors
// with alternate setting 0.
func countInterfaces(block []byte) (int, error) {
	count := 0
	for off := 0; off < len(block); {
		length := int(block[off])
		if length < 2 || off+length > len(block) {
			return 0, fmt.Errorf("descriptor at offset %d: %w", off, pkg.ErrDescriptorTooShort)
		}
		if block[off+1] == DescriptorTypeInterface && length >= InterfaceDescriptorSize && block[off+3] == 0 {
			count++
		}
		off += length
	}
	return count, nil
}

// Table holds the serialized descriptors served by GET_DESCRIPTOR.
type Table struct {
	device        [DeviceDescriptorSize]byte
	configuration []byte
	strings       [MaxStrings][]byte
	numStrings    int
}

// NewTable builds the descriptor table for a single-configuration device
// whose configuration is made of the given function blocks.
func NewTable(id Identity, functions ...[]byte) (*Table, error) {
	t := &Table{}

	dev := DeviceDescriptor{
		USBVersion:        0x0200,
		DeviceClass:       ClassPerInterface,
		MaxPacketSize0:    uint8(SpeedFull.MaxPacketSize0()),
		VendorID:          id.VendorID,
		ProductID:         id.ProductID,
		DeviceVersion:     id.DeviceVersion,
		ManufacturerIndex: StringIndexManufacturer,
		ProductIndex:      StringIndexProduct,
		SerialNumberIndex: StringIndexSerial,
		NumConfigurations: 1,
	}
	dev.MarshalTo(t.device[:])

	cfg, err := BuildConfiguration(ConfigurationDescriptor{
		ConfigurationValue: 1,
		Attributes:         ConfigAttrBusPowered,
		MaxPower:           DefaultMaxPower,
	}, functions...)
	if err != nil {
		return nil, err
	}
	t.configuration = cfg

	var scratch [255]byte
	n := LanguageDescriptorTo(scratch[:], LangIDUSEnglish)
	t.strings[StringIndexLanguage] = append([]byte(nil), scratch[:n]...)
	for i, s := range []string{id.Manufacturer, id.Product, SerialNumber(id.UniqueID)} {
		n = StringDescriptorTo(scratch[:], s)
		t.strings[StringIndexManufacturer+i] = append([]byte(nil), scratch[:n]...)
	}
	t.numStrings = StringIndexSerial + 1
	return t, nil
}

// Device returns the device descriptor.
func (t *Table) Device() []byte {
	return t.device[:]
}

// Configuration returns the full configuration descriptor set.
func (t *Table) Configuration() []byte {
	return t.configuration
}

// Lookup returns the descriptor of the given type and index.
func (t *Table) Lookup(descType, index uint8) ([]byte, bool) {
	switch descType {
	case DescriptorTypeDevice:
		return t.Device(), true
	case DescriptorTypeConfiguration:
		if index != 0 {
			return nil, false
		}
		return t.configuration, true
	case DescriptorTypeString:
		if int(index) >= t.numStrings {
			return nil, false
		}
		return t.strings[index], true
	default:
		return nil, false
	}
}
