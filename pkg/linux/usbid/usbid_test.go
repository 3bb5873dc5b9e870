package usbid

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
)

const testDatabase = `# usb.ids excerpt
#	Version: 2024.01.01

0483  STMicroelectronics
	5740  Virtual COM Port
	df11  STM Device in DFU Mode
1209  Generic
	0001  pid.codes Test PID
		00  nested interface line
bad!  not a vendor
	ffff  orphan product

# List of known device classes, subclasses and protocols
C 00  (Defined at Interface level)
C 02  Communications
	01  Direct Line
	02  Abstract (modem)
		01  AT-commands (v.25ter)
C 0a  CDC Data

AT 0101  USB Streaming
`

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/var/lib/usbutils/usb.ids", []byte(testDatabase), 0o644); err != nil {
		t.Fatal(err)
	}

	db := New(fs)
	path, ok := db.Load()
	if !ok || path != "/var/lib/usbutils/usb.ids" {
		t.Fatalf("Load() = (%q, %v)", path, ok)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"vendor", db.LookupVendor(0x0483), "STMicroelectronics"},
		{"product", db.LookupProduct(0x0483, 0x5740), "Virtual COM Port"},
		{"second vendor product", db.LookupProduct(0x1209, 0x0001), "pid.codes Test PID"},
		{"unknown vendor", db.LookupVendor(0xFFFF), ""},
		{"orphan product", db.LookupProduct(0x0000, 0xFFFF), ""},
		{"class", db.LookupClass(0x02), "Communications"},
		{"data class", db.LookupClass(0x0A), "CDC Data"},
		{"subclass", db.LookupSubclass(0x02, 0x02), "Abstract (modem)"},
		{"unknown subclass", db.LookupSubclass(0x0A, 0x02), ""},
		{"describe", db.Describe(0x0483, 0x5740), "0483:5740 STMicroelectronics Virtual COM Port"},
		{"describe unknown", db.Describe(0xCAFE, 0x0001), "cafe:0001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}

	if db.VendorCount() != 2 || db.ProductCount() != 3 {
		t.Errorf("counts = (%d, %d), want (2, 3)", db.VendorCount(), db.ProductCount())
	}
}

func TestLoadSearchOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/b/usb.ids", []byte("1234  Second\n"), 0o644)
	afero.WriteFile(fs, "/c/usb.ids", []byte("1234  Third\n"), 0o644)

	db := New(fs, "/a/usb.ids", "/b/usb.ids", "/c/usb.ids")
	if path, ok := db.Load(); !ok || path != "/b/usb.ids" {
		t.Fatalf("Load() = (%q, %v), want /b/usb.ids", path, ok)
	}
	if got := db.LookupVendor(0x1234); got != "Second" {
		t.Errorf("LookupVendor() = %q, want Second", got)
	}
}

func TestLoadNotFound(t *testing.T) {
	db := New(afero.NewMemMapFs())
	if _, ok := db.Load(); ok {
		t.Error("Load() succeeded with no database")
	}
	if !db.IsLoaded() {
		t.Error("IsLoaded() = false after a Load attempt")
	}
	if _, ok := db.Load(); ok {
		t.Error("second Load() succeeded")
	}
	if db.Describe(0x0483, 0x5740) != "0483:5740" {
		t.Errorf("Describe() = %q", db.Describe(0x0483, 0x5740))
	}
}

func TestParse(t *testing.T) {
	db := New(afero.NewMemMapFs())
	db.Parse(strings.NewReader("0483  ST\n\t5740  VCP\n"))
	if !db.IsLoaded() || db.LookupProduct(0x0483, 0x5740) != "VCP" {
		t.Errorf("Parse() did not load entries")
	}
}
