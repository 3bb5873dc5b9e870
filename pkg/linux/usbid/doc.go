// Package usbid looks up vendor, product, and class names in the USB ID
// database distributed with most Linux systems.
//
// # Usage
//
//	db := usbid.New(afero.NewOsFs())
//	if _, ok := db.Load(); !ok {
//	    // names are unavailable; lookups return ""
//	}
//	fmt.Println(db.Describe(0x0483, 0x5740))
//	fmt.Println(db.LookupClass(0x02), db.LookupSubclass(0x02, 0x02))
//
// # Database Locations
//
// With no explicit paths the package searches:
//
//   - /usr/share/hwdata/usb.ids
//   - /var/lib/usbutils/usb.ids
//   - /usr/share/misc/usb.ids
//
// The file system is an [afero.Fs], so tests and tools can supply the
// database from memory.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package usbid
