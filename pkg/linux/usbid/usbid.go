package usbid

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// DefaultPaths lists the standard locations for the USB ID database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database caches vendor, product, and device class names from the USB ID
// database.
type Database struct {
	fs    afero.Fs
	paths []string

	mu         sync.RWMutex
	loaded     bool
	path       string            // file loaded, "" if none was found
	vendors    map[uint16]string // VID -> vendor name
	products   map[uint32]string // (VID<<16)|PID -> product name
	classes    map[uint8]string  // class -> class name
	subclasses map[uint16]string // (class<<8)|subclass -> subclass name
}

// New creates a database that reads the first of paths found on fs. With no
// paths it searches DefaultPaths.
func New(fs afero.Fs, paths ...string) *Database {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	return &Database{
		fs:         fs,
		paths:      paths,
		vendors:    make(map[uint16]string),
		products:   make(map[uint32]string),
		classes:    make(map[uint8]string),
		subclasses: make(map[uint16]string),
	}
}

// Load parses the first database file found and returns its path, or false
// if no file could be read. Later calls repeat the first result.
func (db *Database) Load() (string, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.loaded {
		return db.path, db.path != ""
	}
	// Mark as loaded even if no file is found to prevent repeated searches.
	db.loaded = true

	for _, path := range db.paths {
		f, err := db.fs.Open(path)
		if err != nil {
			continue
		}
		db.parse(f)
		f.Close()
		db.path = path
		return path, true
	}
	return "", false
}

// Parse adds the entries read from r. It is Load for callers that already
// hold the database contents.
func (db *Database) Parse(r io.Reader) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.loaded = true
	db.parse(r)
}

// parse reads the usb.ids format. Vendor lines are "vvvv  name" with
// product lines "\tpppp  name" below them. Class lines are "C cc  name"
// with subclass lines "\tss  name". Every other section is skipped.
func (db *Database) parse(r io.Reader) {
	const (
		sectionNone = iota
		sectionVendor
		sectionClass
	)
	var (
		section = sectionNone
		vid     uint16
		class   uint8
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			if len(line) > 1 && line[1] == '\t' {
				continue // interfaces and protocols
			}
			switch section {
			case sectionVendor:
				if pid, name, ok := entry(line[1:], 4); ok {
					db.products[uint32(vid)<<16|uint32(pid)] = name
				}
			case sectionClass:
				if sub, name, ok := entry(line[1:], 2); ok {
					db.subclasses[uint16(class)<<8|uint16(sub)] = name
				}
			}
			continue
		}

		if strings.HasPrefix(line, "C ") {
			section = sectionNone
			if c, name, ok := entry(line[2:], 2); ok {
				class = uint8(c)
				db.classes[class] = name
				section = sectionClass
			}
			continue
		}

		section = sectionNone
		if v, name, ok := entry(line, 4); ok {
			vid = uint16(v)
			db.vendors[vid] = name
			section = sectionVendor
		}
	}
}

// entry splits "xxxx  name" where the hex field has width digits.
func entry(s string, width int) (uint64, string, bool) {
	if len(s) < width+2 || s[width] != ' ' {
		return 0, "", false
	}
	v, err := strconv.ParseUint(s[:width], 16, width*4)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimLeft(s[width:], " ")
	if name == "" {
		return 0, "", false
	}
	return v, name, true
}

// LookupVendor returns the vendor name for vid, or "" if unknown.
func (db *Database) LookupVendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// LookupProduct returns the product name for vid:pid, or "" if unknown.
func (db *Database) LookupProduct(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// LookupClass returns the name of a device or interface class.
func (db *Database) LookupClass(class uint8) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.classes[class]
}

// LookupSubclass returns the name of subclass within class.
func (db *Database) LookupSubclass(class, subclass uint8) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.subclasses[uint16(class)<<8|uint16(subclass)]
}

// Describe formats vid:pid with whatever names are known, e.g.
// "0483:5740 STMicroelectronics Virtual COM Port".
func (db *Database) Describe(vid, pid uint16) string {
	s := fmt.Sprintf("%04x:%04x", vid, pid)
	if v := db.LookupVendor(vid); v != "" {
		s += " " + v
	}
	if p := db.LookupProduct(vid, pid); p != "" {
		s += " " + p
	}
	return s
}

// IsLoaded returns true once Load or Parse has run.
func (db *Database) IsLoaded() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.loaded
}

// VendorCount returns the number of vendors in the database.
func (db *Database) VendorCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors)
}

// ProductCount returns the number of products in the database.
func (db *Database) ProductCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.products)
}
