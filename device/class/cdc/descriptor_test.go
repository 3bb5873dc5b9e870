package cdc

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/usbuart/device"
)

func TestFunctionDescriptor(t *testing.T) {
	want := []byte{
		// Interface association
		0x08, 0x0B, 0x00, 0x02, 0x02, 0x02, 0x01, 0x00,
		// Communications interface
		0x09, 0x04, 0x00, 0x00, 0x01, 0x02, 0x02, 0x01, 0x00,
		// Header
		0x05, 0x24, 0x00, 0x10, 0x01,
		// Call management
		0x05, 0x24, 0x01, 0x00, 0x01,
		// ACM
		0x04, 0x24, 0x02, 0x02,
		// Union
		0x05, 0x24, 0x06, 0x00, 0x01,
		// Command endpoint
		0x07, 0x05, 0x82, 0x03, 0x08, 0x00, 0x10,
		// Data interface
		0x09, 0x04, 0x01, 0x00, 0x02, 0x0A, 0x00, 0x00, 0x00,
		// Bulk OUT
		0x07, 0x05, 0x01, 0x02, 0x40, 0x00, 0x00,
		// Bulk IN
		0x07, 0x05, 0x81, 0x02, 0x40, 0x00, 0x00,
	}

	got := FunctionDescriptor(DefaultChannels()[0])
	if len(got) != FunctionDescriptorSize || FunctionDescriptorSize != 66 {
		t.Errorf("len = %d, FunctionDescriptorSize = %d, want 66", len(got), FunctionDescriptorSize)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FunctionDescriptor mismatch (-want +got):\n%s", diff)
	}
}

func TestFunctionDescriptorSecondChannel(t *testing.T) {
	got := FunctionDescriptor(DefaultChannels()[1])

	checks := []struct {
		name   string
		offset int
		want   byte
	}{
		{"IAD first interface", 2, 2},
		{"control interface number", 8 + 2, 2},
		{"call management data interface", 8 + 9 + 5 + 4, 3},
		{"union master", 8 + 9 + 5 + 5 + 4 + 3, 2},
		{"union slave", 8 + 9 + 5 + 5 + 4 + 4, 3},
		{"command endpoint", 36 + 2, 0x84},
		{"data interface number", 43 + 2, 3},
		{"OUT endpoint", 52 + 2, 0x03},
		{"IN endpoint", 59 + 2, 0x83},
	}
	for _, c := range checks {
		if got[c.offset] != c.want {
			t.Errorf("%s: byte %d = 0x%02X, want 0x%02X", c.name, c.offset, got[c.offset], c.want)
		}
	}
}

func TestConfigurationWithChannels(t *testing.T) {
	var blocks [][]byte
	for _, ch := range DefaultChannels() {
		blocks = append(blocks, FunctionDescriptor(ch))
	}
	cfg, err := device.BuildConfiguration(device.ConfigurationDescriptor{
		ConfigurationValue: 1,
		Attributes:         device.ConfigAttrBusPowered,
		MaxPower:           device.DefaultMaxPower,
	}, blocks...)
	if err != nil {
		t.Fatalf("BuildConfiguration() error = %v", err)
	}

	want := []byte{0x09, 0x02, 0x8D, 0x00, 0x04, 0x01, 0x00, 0x80, 0x32}
	if diff := cmp.Diff(want, cfg[:device.ConfigurationDescriptorSize]); diff != "" {
		t.Errorf("configuration header mismatch (-want +got):\n%s", diff)
	}
	if len(cfg) != 9+2*66 {
		t.Errorf("len = %d, want %d", len(cfg), 9+2*66)
	}
}
