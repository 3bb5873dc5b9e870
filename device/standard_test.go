package device

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/usbuart/pkg"
)

// fakeControl implements DeviceControl for testing.
type fakeControl struct {
	address   uint8
	config    uint8
	state     State
	configErr error
}

func (f *fakeControl) SetAddress(address uint8) error {
	f.address = address
	f.state = StateAddress
	return nil
}

func (f *fakeControl) SetConfiguration(value uint8) error {
	if f.configErr != nil {
		return f.configErr
	}
	f.config = value
	return nil
}

func (f *fakeControl) Configuration() uint8 { return f.config }
func (f *fakeControl) State() State         { return f.state }

func newTestHandler(t *testing.T) (*StandardRequestHandler, *fakeControl, *Table) {
	t.Helper()
	table, err := NewTable(DefaultIdentity(), testFunction)
	if err != nil {
		t.Fatal(err)
	}
	ctl := &fakeControl{}
	return NewStandardRequestHandler(table, ctl), ctl, table
}

func TestStandardGetDescriptor(t *testing.T) {
	h, _, table := newTestHandler(t)

	tests := []struct {
		name    string
		typ     uint8
		index   uint8
		length  uint16
		want    []byte
		wantErr error
	}{
		{"device first packet", DescriptorTypeDevice, 0, 8, table.Device()[:8], nil},
		{"device", DescriptorTypeDevice, 0, 64, table.Device(), nil},
		{"configuration header", DescriptorTypeConfiguration, 0, 9, table.Configuration()[:9], nil},
		{"configuration", DescriptorTypeConfiguration, 0, 0xFF, table.Configuration(), nil},
		{"product string", DescriptorTypeString, StringIndexProduct, 0xFF, []byte{0x08, 0x03, 'C', 0, 'D', 0, 'C', 0}, nil},
		{"missing string", DescriptorTypeString, 9, 0xFF, nil, pkg.ErrInvalidRequest},
		{"device qualifier", DescriptorTypeDeviceQualifier, 0, 10, nil, pkg.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var setup SetupPacket
			GetDescriptorSetup(&setup, tt.typ, tt.index, tt.length)
			got, err := h.HandleSetup(&setup)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("HandleSetup() error = %v, want %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("response mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStandardStateRequests(t *testing.T) {
	h, ctl, _ := newTestHandler(t)

	var setup SetupPacket
	setup = SetupPacket{Request: RequestSetAddress, Value: 0x85}
	if data, err := h.HandleSetup(&setup); err != nil || len(data) != 0 {
		t.Fatalf("SET_ADDRESS = (%v, %v)", data, err)
	}
	if ctl.address != 5 {
		t.Errorf("address = %d, want 5", ctl.address)
	}

	setup = SetupPacket{Request: RequestSetConfiguration, Value: 1}
	if _, err := h.HandleSetup(&setup); err != nil {
		t.Fatalf("SET_CONFIGURATION error = %v", err)
	}
	setup = SetupPacket{RequestType: 0x80, Request: RequestGetConfiguration, Length: 1}
	data, err := h.HandleSetup(&setup)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1}, data); diff != "" {
		t.Errorf("GET_CONFIGURATION mismatch (-want +got):\n%s", diff)
	}

	ctl.configErr = pkg.ErrHardwareInit
	setup = SetupPacket{Request: RequestSetConfiguration, Value: 1}
	if _, err := h.HandleSetup(&setup); !errors.Is(err, pkg.ErrHardwareInit) {
		t.Errorf("SET_CONFIGURATION error = %v, want ErrHardwareInit", err)
	}
}

func TestStandardMiscRequests(t *testing.T) {
	h, _, _ := newTestHandler(t)

	tests := []struct {
		name    string
		setup   SetupPacket
		want    []byte
		wantErr error
	}{
		{"device status", SetupPacket{RequestType: 0x80, Request: RequestGetStatus, Length: 2}, []byte{0, 0}, nil},
		{"short status", SetupPacket{RequestType: 0x80, Request: RequestGetStatus, Length: 1}, nil, pkg.ErrInvalidRequest},
		{"endpoint status", SetupPacket{RequestType: 0x82, Request: RequestGetStatus, Index: 0x81, Length: 2}, []byte{0, 0}, nil},
		{"clear endpoint halt", SetupPacket{RequestType: 0x02, Request: RequestClearFeature, Index: 0x81}, nil, nil},
		{"set remote wakeup", SetupPacket{RequestType: 0x00, Request: RequestSetFeature, Value: FeatureDeviceRemoteWakeup}, nil, pkg.ErrInvalidRequest},
		{"get interface", SetupPacket{RequestType: 0x81, Request: RequestGetInterface, Index: 1, Length: 1}, []byte{0}, nil},
		{"set interface alt 0", SetupPacket{RequestType: 0x01, Request: RequestSetInterface, Index: 1}, nil, nil},
		{"set interface alt 1", SetupPacket{RequestType: 0x01, Request: RequestSetInterface, Value: 1, Index: 1}, nil, pkg.ErrInvalidRequest},
		{"set descriptor", SetupPacket{RequestType: 0x00, Request: RequestSetDescriptor, Length: 18}, nil, pkg.ErrInvalidRequest},
		{"synch frame", SetupPacket{RequestType: 0x82, Request: RequestSynchFrame, Length: 2}, nil, pkg.ErrInvalidRequest},
		{"class request", SetupPacket{RequestType: 0x21, Request: 0x20, Length: 7}, nil, pkg.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.HandleSetup(&tt.setup)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("HandleSetup() error = %v, want %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("response mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
